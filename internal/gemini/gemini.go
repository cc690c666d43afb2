package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dermalab/derma/internal/keys"
	"github.com/dermalab/derma/pkg/models"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultTimeout = 120 * time.Second
)

// ErrServiceUnavailable wraps every transport or service failure with a
// message safe to show to the end user. Callers retry by re-issuing the
// call; the client never retries on its own.
var ErrServiceUnavailable = errors.New("the AI service is unavailable right now, please try again")

type apiRequest struct {
	SystemInstruction *apiContent    `json:"systemInstruction,omitempty"`
	Contents          []apiContent   `json:"contents"`
	Tools             []apiTool      `json:"tools,omitempty"`
	ToolConfig        *apiToolConfig `json:"toolConfig,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *apiInlineData `json:"inlineData,omitempty"`
}

type apiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type apiTool struct {
	GoogleMaps *struct{} `json:"googleMaps,omitempty"`
}

type apiToolConfig struct {
	RetrievalConfig *apiRetrievalConfig `json:"retrievalConfig,omitempty"`
}

type apiRetrievalConfig struct {
	LatLng *apiLatLng `json:"latLng,omitempty"`
}

type apiLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type apiResponse struct {
	Candidates []apiCandidate `json:"candidates"`
	Error      *apiError      `json:"error,omitempty"`
}

type apiCandidate struct {
	Content           *apiContent           `json:"content,omitempty"`
	GroundingMetadata *apiGroundingMetadata `json:"groundingMetadata,omitempty"`
}

type apiGroundingMetadata struct {
	GroundingChunks []apiGroundingChunk `json:"groundingChunks,omitempty"`
}

type apiGroundingChunk struct {
	Web  *apiWebChunk  `json:"web,omitempty"`
	Maps *apiMapsChunk `json:"maps,omitempty"`
}

type apiWebChunk struct {
	URI   string `json:"uri,omitempty"`
	Title string `json:"title,omitempty"`
}

type apiMapsChunk struct {
	URI                string                 `json:"uri,omitempty"`
	Title              string                 `json:"title,omitempty"`
	PlaceAnswerSources []apiPlaceAnswerSource `json:"placeAnswerSources,omitempty"`
}

type apiPlaceAnswerSource struct {
	ReviewSnippets []apiReviewSnippet `json:"reviewSnippets,omitempty"`
}

type apiReviewSnippet struct {
	Review string `json:"review,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	TimeoutSec int
	Verbose    bool
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	verbose    bool
}

func New(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", keys.ErrCredentialMissing, keys.Remediation)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = models.DefaultModel
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		verbose: cfg.Verbose,
	}, nil
}

// Generate sends one conversation turn (prior history plus current parts)
// to the generateContent endpoint and returns the raw response shape.
func (c *Client) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	apiReq := c.buildAPIRequest(req)

	jsonData, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	c.logRequest(http.MethodPost, url, httpReq.Header, jsonData)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response", ErrServiceUnavailable)
	}

	c.logResponse(resp.StatusCode, resp.Header, body)

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: malformed response", ErrServiceUnavailable)
	}

	if apiResp.Error != nil {
		if isCredentialError(resp.StatusCode, apiResp.Error.Status) {
			return nil, fmt.Errorf("%w: %s", keys.ErrCredentialMissing, keys.Remediation)
		}
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, apiResp.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		if isCredentialError(resp.StatusCode, "") {
			return nil, fmt.Errorf("%w: %s", keys.ErrCredentialMissing, keys.Remediation)
		}
		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	return buildResponse(apiResp), nil
}

func isCredentialError(statusCode int, status string) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	return status == "UNAUTHENTICATED" || status == "PERMISSION_DENIED"
}

func (c *Client) buildAPIRequest(req *models.GenerateRequest) *apiRequest {
	apiReq := &apiRequest{}

	if req.Instruction != "" {
		apiReq.SystemInstruction = &apiContent{
			Parts: []apiPart{{Text: req.Instruction}},
		}
	}

	for _, cap := range req.Capabilities {
		if cap == models.CapabilityPlaceLookup {
			apiReq.Tools = append(apiReq.Tools, apiTool{GoogleMaps: &struct{}{}})
		}
	}

	// Per-turn retrieval bias only. The location is never written back into
	// session state.
	if req.Location != nil {
		apiReq.ToolConfig = &apiToolConfig{
			RetrievalConfig: &apiRetrievalConfig{
				LatLng: &apiLatLng{
					Latitude:  req.Location.Latitude,
					Longitude: req.Location.Longitude,
				},
			},
		}
	}

	// The generateContent endpoint is stateless, so each call replays the
	// full prior conversation, including the originating image parts.
	for _, turn := range req.History {
		content := apiContent{Role: string(turn.Role)}
		if len(turn.Parts) > 0 {
			content.Parts = toAPIParts(turn.Parts)
		} else {
			content.Parts = []apiPart{{Text: turn.Text}}
		}
		apiReq.Contents = append(apiReq.Contents, content)
	}

	apiReq.Contents = append(apiReq.Contents, apiContent{
		Role:  string(models.RoleUser),
		Parts: toAPIParts(req.Parts),
	})

	return apiReq
}

func toAPIParts(parts []models.Part) []apiPart {
	out := make([]apiPart, 0, len(parts))
	for _, part := range parts {
		p := apiPart{Text: part.Text}
		if part.InlineData != nil {
			p.InlineData = &apiInlineData{
				MIMEType: part.InlineData.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
			}
		}
		out = append(out, p)
	}
	return out
}

func buildResponse(apiResp apiResponse) *models.GenerateResponse {
	response := &models.GenerateResponse{}

	if len(apiResp.Candidates) == 0 {
		return response
	}

	candidate := apiResp.Candidates[0]
	if candidate.Content != nil {
		var texts []string
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
		response.Text = strings.Join(texts, "")
	}

	if candidate.GroundingMetadata == nil {
		return response
	}

	for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
		mapped := models.GroundingChunk{}
		switch {
		case chunk.Web != nil:
			mapped.Web = &models.WebSource{URI: chunk.Web.URI, Title: chunk.Web.Title}
		case chunk.Maps != nil:
			place := &models.PlaceSource{URI: chunk.Maps.URI, Title: chunk.Maps.Title}
			for _, src := range chunk.Maps.PlaceAnswerSources {
				for _, snippet := range src.ReviewSnippets {
					if snippet.Review != "" {
						place.ReviewSnippets = append(place.ReviewSnippets, snippet.Review)
					}
				}
			}
			mapped.Maps = place
		default:
			continue
		}
		response.Chunks = append(response.Chunks, mapped)
	}

	return response
}

func (c *Client) logRequest(method, url string, headers http.Header, body []byte) {
	if !c.verbose {
		return
	}

	fmt.Fprintln(os.Stderr, "--- REQUEST ---")
	fmt.Fprintf(os.Stderr, "%s %s\n", method, url)
	fmt.Fprintln(os.Stderr, "Headers:")
	for key, values := range headers {
		for _, value := range values {
			if strings.ToLower(key) == "x-goog-api-key" {
				value = "[REDACTED]"
			}
			fmt.Fprintf(os.Stderr, "  %s: %s\n", key, value)
		}
	}
	if len(body) > 0 {
		fmt.Fprintln(os.Stderr, "Body:")
		truncated := truncateBase64InJSON(body)
		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, truncated, "  ", "  "); err == nil {
			fmt.Fprintf(os.Stderr, "  %s\n", prettyJSON.String())
		} else {
			fmt.Fprintf(os.Stderr, "  %s\n", string(truncated))
		}
	}
	fmt.Fprintln(os.Stderr, "---------------")
}

func (c *Client) logResponse(statusCode int, headers http.Header, body []byte) {
	if !c.verbose {
		return
	}

	fmt.Fprintln(os.Stderr, "--- RESPONSE ---")
	fmt.Fprintf(os.Stderr, "Status: %d\n", statusCode)
	fmt.Fprintln(os.Stderr, "Headers:")
	for key, values := range headers {
		for _, value := range values {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", key, value)
		}
	}
	if len(body) > 0 {
		fmt.Fprintln(os.Stderr, "Body:")
		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, body, "  ", "  "); err == nil {
			fmt.Fprintf(os.Stderr, "  %s\n", prettyJSON.String())
		} else {
			fmt.Fprintf(os.Stderr, "  %s\n", string(body))
		}
	}
	fmt.Fprintln(os.Stderr, "----------------")
}

// truncateBase64InJSON shortens inline image payloads so verbose request
// dumps stay readable.
func truncateBase64InJSON(body []byte) []byte {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}

	truncateDataFields(data)

	result, err := json.Marshal(data)
	if err != nil {
		return body
	}
	return result
}

func truncateDataFields(data map[string]interface{}) {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if key == "data" && len(v) > 100 {
				data[key] = v[:100] + "... [truncated]"
			}
		case map[string]interface{}:
			truncateDataFields(v)
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					truncateDataFields(m)
				}
			}
		}
	}
}
