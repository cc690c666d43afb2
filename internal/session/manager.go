package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dermalab/derma/internal/grounding"
	"github.com/dermalab/derma/internal/keys"
	"github.com/dermalab/derma/pkg/models"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrSessionClosed   = errors.New("session is closed")
	ErrFirstTurnSent   = errors.New("first turn already sent for this session")
	ErrNoCaseToSave    = errors.New("nothing to save: session has no completed turns")
)

// ErrorReplyText is appended as an error-flagged assistant turn when a
// service call fails, so the conversation shows an inline failure instead
// of silently dropping the user's message.
const ErrorReplyText = "An error occurred while communicating with the AI. Please check your connection and try again."

// Generator is the AI service dependency. *gemini.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResponse, error)
}

// Manager owns at most one active Session and mediates every turn sent
// through the AI service. It is not safe for concurrent use: turns within
// a session are inherently ordered, so callers must await one turn before
// issuing the next.
type Manager struct {
	gen     Generator
	store   *Store
	model   string
	current *Session
}

func NewManager(gen Generator, store *Store, model string) *Manager {
	if model == "" {
		model = models.DefaultModel
	}
	return &Manager{
		gen:   gen,
		store: store,
		model: model,
	}
}

func (m *Manager) Current() *Session {
	return m.current
}

func (m *Manager) HasSession() bool {
	return m.current != nil && m.current.State == StateActive
}

// Open starts a new session with the given protocol instruction and
// capability set, closing any prior session first. A new image upload
// always goes through here: conversations never carry an image over from
// a previous session.
func (m *Manager) Open(instruction string, capabilities []models.Capability) (*Session, error) {
	if m.gen == nil {
		return nil, fmt.Errorf("%w: %s", keys.ErrCredentialMissing, keys.Remediation)
	}

	if instruction == "" {
		instruction = models.SystemInstruction
	}
	if capabilities == nil {
		capabilities = models.DefaultCapabilities()
	}

	if m.current != nil {
		m.current.State = StateClosed
	}

	sess := &Session{
		ID:           uuid.New().String(),
		State:        StateActive,
		Instruction:  instruction,
		Capabilities: capabilities,
		CreatedAt:    time.Now(),
	}
	m.current = sess
	return sess, nil
}

// Close marks the current session closed. Subsequent sends fail with
// ErrSessionClosed until a new session is opened.
func (m *Manager) Close() {
	if m.current != nil {
		m.current.State = StateClosed
	}
}

// SendFirst sends the analysis request as the session's first turn. It may
// be called at most once per session; re-issuing after a service failure is
// allowed, since the failure left the first exchange incomplete.
func (m *Manager) SendFirst(ctx context.Context, req *models.AnalysisRequest) (*models.Reply, error) {
	sess := m.current
	if sess == nil {
		return nil, ErrNoActiveSession
	}
	if sess.State == StateClosed {
		return nil, ErrSessionClosed
	}
	if sess.firstTurnSent {
		return nil, ErrFirstTurnSent
	}

	reply, err := m.send(ctx, sess, req.Parts, models.AnalysisPrompt, nil)
	if err != nil {
		return nil, err
	}
	sess.firstTurnSent = true
	return reply, nil
}

// SendFollowUp appends a plain-text user turn. A supplied location biases
// place lookups for this call only and is never persisted into session
// state. With no open session, one is opened transparently with the
// default instruction and capabilities: callers may route a user straight
// into follow-up flows (e.g. a find-help entry point) without ever
// uploading an image, and that is not an error.
func (m *Manager) SendFollowUp(ctx context.Context, text string, loc *models.GeoLocation) (*models.Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.ErrEmptyMessage
	}

	if m.current == nil {
		if _, err := m.Open("", nil); err != nil {
			return nil, err
		}
	}

	sess := m.current
	if sess.State == StateClosed {
		return nil, ErrSessionClosed
	}

	return m.send(ctx, sess, []models.Part{{Text: text}}, text, loc)
}

func (m *Manager) send(ctx context.Context, sess *Session, parts []models.Part, userText string, loc *models.GeoLocation) (*models.Reply, error) {
	history := sess.historyForService()

	// The user's turn is committed before the network call and never
	// rolled back, even when the assistant's reply fails.
	sess.appendTurn(&models.Turn{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Text:      userText,
		Timestamp: time.Now(),
		Parts:     parts,
	})

	resp, err := m.gen.Generate(ctx, &models.GenerateRequest{
		Model:        m.model,
		Instruction:  sess.Instruction,
		Capabilities: sess.Capabilities,
		History:      history,
		Parts:        parts,
		Location:     loc,
	})

	// A reply that arrives after the session moved on is discarded rather
	// than appended out of order.
	if sess != m.current || sess.State == StateClosed {
		if err != nil {
			return nil, err
		}
		return nil, ErrSessionClosed
	}

	if err != nil {
		sess.appendTurn(&models.Turn{
			ID:        uuid.New().String(),
			Role:      models.RoleModel,
			Text:      userSafeMessage(err),
			Timestamp: time.Now(),
			IsError:   true,
		})
		return nil, err
	}

	text, sources := grounding.Extract(resp)
	sess.appendTurn(&models.Turn{
		ID:        uuid.New().String(),
		Role:      models.RoleModel,
		Text:      text,
		Timestamp: time.Now(),
		Sources:   sources,
	})

	return &models.Reply{Text: text, Sources: sources}, nil
}

func userSafeMessage(err error) string {
	if errors.Is(err, keys.ErrCredentialMissing) {
		return keys.Remediation
	}
	return ErrorReplyText
}

// SaveCase snapshots the current session into a persisted CaseRecord. The
// summary defaults to the opening of the first assistant reply.
func (m *Manager) SaveCase(ctx context.Context, imagePath, summary string) (*models.CaseRecord, error) {
	sess := m.current
	if sess == nil {
		return nil, ErrNoActiveSession
	}
	if len(sess.turns) == 0 {
		return nil, ErrNoCaseToSave
	}

	if summary == "" {
		summary = summarize(sess.turns)
	}

	record := &models.CaseRecord{
		ID:        sess.ID,
		ImagePath: imagePath,
		Summary:   summary,
		CreatedAt: sess.CreatedAt,
		Turns:     sess.Turns(),
	}

	if err := m.store.SaveCase(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}
	return record, nil
}

func (m *Manager) Cases(ctx context.Context) ([]*models.CaseRecord, error) {
	return m.store.ListCases(ctx)
}

func (m *Manager) Case(ctx context.Context, id string) (*models.CaseRecord, error) {
	return m.store.GetCase(ctx, id)
}

func (m *Manager) DeleteCase(ctx context.Context, id string) error {
	return m.store.DeleteCase(ctx, id)
}

func summarize(turns []*models.Turn) string {
	for _, t := range turns {
		if t.Role != models.RoleModel || t.IsError {
			continue
		}
		text := strings.TrimSpace(strings.ReplaceAll(t.Text, "**", ""))
		if line, _, found := strings.Cut(text, "\n"); found {
			text = line
		}
		runes := []rune(text)
		if len(runes) > 100 {
			return string(runes[:100]) + "..."
		}
		return text
	}
	return "Unanalyzed case"
}
