package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrNoImageData         = errors.New("image data is required")
	ErrUnsupportedMIMEType = errors.New("unsupported image MIME type")
	ErrEmptyMessage        = errors.New("message cannot be empty")
)

const DefaultModel = "gemini-2.5-flash"

// AnalysisPrompt is the fixed first-turn instruction that accompanies the
// uploaded image. The behavioral protocol itself lives in SystemInstruction
// and is configured once per session, never repeated per turn.
const AnalysisPrompt = "Please analyze this skin image according to your protocol."

const SystemInstruction = `You are Derma, an AI assistant for preliminary skin condition analysis.

CRITICAL PROTOCOL:
1. You are NOT a doctor. You CANNOT provide a medical diagnosis.
2. If the user uploads an image, you MUST start your response with this exact bold text:
   "**MEDICAL DISCLAIMER: This is an AI-generated preliminary analysis and NOT a medical diagnosis. The information provided is for educational purposes only. Please consult a qualified dermatologist for an accurate diagnosis and treatment plan.**"
3. After the disclaimer, analyze the visual features of the skin condition in the image (color, texture, border, size).
4. Suggest 2-3 possible conditions that share these features, using hedging language like "consistent with," "resembles," or "may indicate."
5. Advise the user on general next steps (e.g., "monitor for changes," "seek immediate care if painful").
6. If the user asks to find a doctor, use the place lookup tool to find dermatologists or clinics near their location.
7. If the user mentions an emergency (trouble breathing, severe swelling), tell them to call emergency services immediately.`

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Capability string

const CapabilityPlaceLookup Capability = "place-lookup"

func DefaultCapabilities() []Capability {
	return []Capability{CapabilityPlaceLookup}
}

type SourceType string

const (
	SourceWeb   SourceType = "web"
	SourcePlace SourceType = "place"
)

// Source is a grounded external reference normalized for display, drawn
// from either a web page or a map place.
type Source struct {
	Title   string
	URI     string
	Type    SourceType
	Snippet string
}

type GeoLocation struct {
	Latitude  float64
	Longitude float64
}

// Turn is one exchange unit in a session. Turns are immutable once
// appended and strictly ordered by creation. Parts is set on user turns
// that carried more than plain text (the image upload); it is what gets
// replayed to the stateless service, while Text is what gets displayed.
type Turn struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
	Sources   []Source
	IsError   bool
	Parts     []Part
}

type Part struct {
	Text       string
	InlineData *InlineData
}

type InlineData struct {
	MIMEType string
	Data     []byte
}

func SupportedMIMETypes() []string {
	return []string{"image/jpeg", "image/png", "image/webp"}
}

// AnalysisRequest is the first-turn payload of an analysis session: one
// inline image part followed by one text part.
type AnalysisRequest struct {
	Parts []Part
}

func NewAnalysisRequest(image []byte, mimeType string) (*AnalysisRequest, error) {
	if len(image) == 0 {
		return nil, ErrNoImageData
	}
	if !slices.Contains(SupportedMIMETypes(), mimeType) {
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedMIMEType, mimeType, SupportedMIMETypes())
	}
	return &AnalysisRequest{
		Parts: []Part{
			{InlineData: &InlineData{MIMEType: mimeType, Data: image}},
			{Text: AnalysisPrompt},
		},
	}, nil
}

// GenerateRequest carries everything the AI service needs for one turn:
// session configuration, the full prior history, and the current content.
type GenerateRequest struct {
	Model        string
	Instruction  string
	Capabilities []Capability
	History      []*Turn
	Parts        []Part
	Location     *GeoLocation
}

// GenerateResponse is the raw result of one service call, before grounding
// extraction.
type GenerateResponse struct {
	Text   string
	Chunks []GroundingChunk
}

// GroundingChunk is a tagged variant: exactly one of Web or Maps is set.
type GroundingChunk struct {
	Web  *WebSource
	Maps *PlaceSource
}

type WebSource struct {
	URI   string
	Title string
}

type PlaceSource struct {
	URI            string
	Title          string
	ReviewSnippets []string
}

// Reply is what the caller receives for one completed turn.
type Reply struct {
	Text    string
	Sources []Source
}

// CaseRecord is a persisted snapshot of a finished analysis session.
type CaseRecord struct {
	ID        string
	ImagePath string
	Summary   string
	CreatedAt time.Time
	Turns     []*Turn
}
