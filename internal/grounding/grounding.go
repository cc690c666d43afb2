package grounding

import (
	"github.com/dermalab/derma/internal/security"
	"github.com/dermalab/derma/pkg/models"
)

// FallbackText is returned when the service produced no usable answer text.
const FallbackText = "I could not generate an analysis. Please try again."

// PlacePlaceholder labels map places the service returned without a title.
const PlacePlaceholder = "Map Location"

// Extract normalizes a raw service response into display text plus an
// ordered, deduplicated source list. It is pure and idempotent: the same
// input always yields the same output, and a nil or partial response
// degrades to the fallback text with no sources rather than failing.
func Extract(resp *models.GenerateResponse) (string, []models.Source) {
	if resp == nil {
		return FallbackText, nil
	}

	text := resp.Text
	if text == "" {
		text = FallbackText
	}

	var sources []models.Source
	seen := make(map[[2]string]bool)

	for _, chunk := range resp.Chunks {
		src, ok := normalize(chunk)
		if !ok {
			continue
		}

		key := [2]string{src.Title, src.URI}
		if seen[key] {
			continue
		}
		seen[key] = true
		sources = append(sources, src)
	}

	return text, sources
}

func normalize(chunk models.GroundingChunk) (models.Source, bool) {
	switch {
	case chunk.Web != nil:
		if chunk.Web.URI == "" || chunk.Web.Title == "" {
			return models.Source{}, false
		}
		if err := security.ValidateSourceURL(chunk.Web.URI); err != nil {
			return models.Source{}, false
		}
		return models.Source{
			Title: chunk.Web.Title,
			URI:   chunk.Web.URI,
			Type:  models.SourceWeb,
		}, true

	case chunk.Maps != nil:
		if chunk.Maps.URI == "" {
			return models.Source{}, false
		}
		if err := security.ValidateSourceURL(chunk.Maps.URI); err != nil {
			return models.Source{}, false
		}
		title := chunk.Maps.Title
		if title == "" {
			title = PlacePlaceholder
		}
		src := models.Source{
			Title: title,
			URI:   chunk.Maps.URI,
			Type:  models.SourcePlace,
		}
		if len(chunk.Maps.ReviewSnippets) > 0 {
			src.Snippet = chunk.Maps.ReviewSnippets[0]
		}
		return src, true

	default:
		return models.Source{}, false
	}
}
