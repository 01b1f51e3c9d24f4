// Package content defines the multimodal content model shared between the
// HTTP layer, the conversation store, and the Gemini client, plus the
// ingestion step that turns raw form input into typed parts.
package content

import "encoding/base64"

// Roles attached to conversation turns. They match the values the Gemini API
// accepts, so persisted turns feed straight into provider requests.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one unit of conversational content. Exactly one field is populated.
// The JSON field names mirror the Gemini wire shape so that parts stored in
// the messages table round-trip losslessly into later provider requests.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
	FileData   *FileData   `json:"fileData,omitempty"`
}

// InlineData is a payload embedded directly in the request, base64-encoded.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references an object previously uploaded to the provider's
// file store.
type FileData struct {
	MIMEType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// TextPart wraps a string into a text Part.
func TextPart(s string) Part {
	return Part{Text: s}
}

// InlinePart base64-encodes raw bytes into an inline binary Part.
func InlinePart(mimeType string, raw []byte) Part {
	return Part{InlineData: &InlineData{
		MIMEType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(raw),
	}}
}

// FilePart wraps an uploaded file reference into a Part.
func FilePart(fd *FileData) Part {
	return Part{FileData: fd}
}

// IsZero reports whether no variant is populated.
func (p Part) IsZero() bool {
	return p.Text == "" && p.InlineData == nil && p.FileData == nil
}

// Turn is one role-tagged message composed of parts. An ordered slice of
// turns, oldest first, forms the history of a chat.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}
