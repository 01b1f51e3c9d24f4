// Package gemini adapts the Google Gemini SDK to the proxy's content model:
// it issues generate-content calls (blocking and streaming), normalizes the
// provider's heterogeneous response shapes into content parts, and drives the
// upload-and-poll path for large media.
package gemini

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"github.com/yuanwj/gemini-chat/internal/apierr"
	"github.com/yuanwj/gemini-chat/internal/content"
)

// Client wraps a genai client configured with one caller's API key. Clients
// are cheap to construct and live for a single request; all durable state is
// elsewhere.
type Client struct {
	models *genai.Models
	files  *FileService
}

// NewClient constructs a Client for the given API key.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, &apierr.AuthError{Reason: "empty API key"}
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &apierr.AuthError{Reason: err.Error()}
	}
	return &Client{
		models: gc.Models,
		files:  NewFileService(gc.Files),
	}, nil
}

// Files returns the uploader for the large-object path.
func (c *Client) Files() content.Uploader {
	return c.files
}

// classify maps SDK errors onto the proxy's failure taxonomy so raw provider
// exceptions never cross the adapter boundary.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 401 || apiErr.Code == 403 {
			return &apierr.AuthError{Reason: apiErr.Message}
		}
		detail := apiErr.Message
		if apiErr.Status != "" {
			detail = apiErr.Status + ": " + detail
		}
		return &apierr.ModelError{Detail: detail}
	}
	return &apierr.TransportError{Op: "gemini request", Err: err}
}
