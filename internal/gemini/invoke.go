package gemini

import (
	"context"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/yuanwj/gemini-chat/internal/apierr"
	"github.com/yuanwj/gemini-chat/internal/content"
)

// modelProfile describes how a model wants to be invoked. Image-generation
// models are single-shot: they receive only the latest user turn and must be
// asked for both text and image modalities.
type modelProfile struct {
	usesFullHistory    bool
	responseModalities []string
}

var modelProfiles = map[string]modelProfile{
	"gemini-2.0-flash-preview-image-generation": {
		usesFullHistory:    false,
		responseModalities: []string{"TEXT", "IMAGE"},
	},
}

func profileFor(model string) modelProfile {
	if p, ok := modelProfiles[model]; ok {
		return p
	}
	if strings.Contains(model, "image-generation") {
		return modelProfile{usesFullHistory: false, responseModalities: []string{"TEXT", "IMAGE"}}
	}
	return modelProfile{usesFullHistory: true}
}

// prepare builds the provider request from the turn history according to the
// model's profile.
func prepare(model string, history []content.Turn) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	p := profileFor(model)

	turns := history
	if !p.usesFullHistory && len(turns) > 0 {
		turns = turns[len(turns)-1:]
	}

	contents, err := toGenaiContents(turns)
	if err != nil {
		return nil, nil, &apierr.ModelError{Detail: err.Error()}
	}

	var cfg *genai.GenerateContentConfig
	if len(p.responseModalities) > 0 {
		cfg = &genai.GenerateContentConfig{ResponseModalities: p.responseModalities}
	}
	return contents, cfg, nil
}

// Generate issues one blocking generate-content call and returns the first
// candidate's parts.
func (c *Client) Generate(ctx context.Context, model string, history []content.Turn) ([]content.Part, error) {
	contents, cfg, err := prepare(model, history)
	if err != nil {
		return nil, err
	}
	resp, err := c.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classify(err)
	}
	return extractParts(resp)
}

// GenerateStream issues the streaming call and re-exposes the provider's
// response stream as a sequence of part batches. Errors, including request
// preparation failures, are yielded through the sequence. A stream that
// yields zero batches before closing is an empty reply, not an error.
func (c *Client) GenerateStream(ctx context.Context, model string, history []content.Turn) iter.Seq2[[]content.Part, error] {
	return func(yield func([]content.Part, error) bool) {
		contents, cfg, err := prepare(model, history)
		if err != nil {
			yield(nil, err)
			return
		}
		for resp, err := range c.models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				yield(nil, classify(err))
				return
			}
			parts, err := extractChunk(resp)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(parts) == 0 {
				continue
			}
			if !yield(parts, nil) {
				return
			}
		}
	}
}

// extractParts pulls the first candidate's parts out of a blocking response.
// All field-path probing of the provider response lives here and in
// extractChunk; a response no known shape matches is an explicit ModelError
// carrying whatever block or finish detail the provider supplied.
func extractParts(resp *genai.GenerateContentResponse) ([]content.Part, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &apierr.ModelError{Detail: "response has no candidates" + blockDetail(resp)}
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return nil, &apierr.ModelError{Detail: "candidate has no parts" + finishDetail(cand) + blockDetail(resp)}
	}
	parts := fromGenaiParts(cand.Content.Parts)
	if len(parts) == 0 {
		return nil, &apierr.ModelError{Detail: "no recognizable parts in candidate" + finishDetail(cand)}
	}
	return parts, nil
}

// extractChunk is the tolerant variant for streaming responses: chunks that
// carry only metadata produce an empty batch, but an explicit block still
// fails the stream.
func extractChunk(resp *genai.GenerateContentResponse) ([]content.Part, error) {
	if resp == nil {
		return nil, nil
	}
	if len(resp.Candidates) == 0 {
		if d := blockDetail(resp); d != "" {
			return nil, &apierr.ModelError{Detail: "stream blocked" + d}
		}
		return nil, nil
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return nil, nil
	}
	return fromGenaiParts(cand.Content.Parts), nil
}

func blockDetail(resp *genai.GenerateContentResponse) string {
	if resp == nil || resp.PromptFeedback == nil {
		return ""
	}
	fb := resp.PromptFeedback
	if fb.BlockReason == "" {
		return ""
	}
	detail := " (block reason: " + string(fb.BlockReason)
	if fb.BlockReasonMessage != "" {
		detail += ", " + fb.BlockReasonMessage
	}
	return detail + ")"
}

func finishDetail(cand *genai.Candidate) string {
	if cand == nil || cand.FinishReason == "" {
		return ""
	}
	return " (finish reason: " + string(cand.FinishReason) + ")"
}
