package session

import (
	"encoding/json"
	"time"

	"github.com/dermalab/derma/pkg/models"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateClosed        State = "closed"
)

// Session is one conversation bound to a single originating image. It is
// owned exclusively by the Manager that created it; turns are append-only
// and never reordered.
type Session struct {
	ID           string
	State        State
	Instruction  string
	Capabilities []models.Capability
	CreatedAt    time.Time

	turns         []*models.Turn
	firstTurnSent bool
}

// Turns returns the session history in strict creation order.
func (s *Session) Turns() []*models.Turn {
	out := make([]*models.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) appendTurn(t *models.Turn) {
	s.turns = append(s.turns, t)
}

// historyForService is the conversation replayed to the AI service on each
// call: every prior turn except error placeholders, as plain text.
func (s *Session) historyForService() []*models.Turn {
	var history []*models.Turn
	for _, t := range s.turns {
		if t.IsError {
			continue
		}
		history = append(history, t)
	}
	return history
}

func sourcesToJSON(sources []models.Source) string {
	if len(sources) == 0 {
		return ""
	}
	data, _ := json.Marshal(sources)
	return string(data)
}

func parseSources(data string) []models.Source {
	if data == "" {
		return nil
	}
	var sources []models.Source
	json.Unmarshal([]byte(data), &sources)
	return sources
}
