package gemini

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/genai"

	"github.com/yuanwj/gemini-chat/internal/content"
)

// toGenaiContents converts stored turns into the provider request shape.
// Inline payloads are base64-decoded back into raw bytes here; the store
// keeps them encoded.
func toGenaiContents(turns []content.Turn) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := turn.Role
		if role != content.RoleUser && role != content.RoleModel {
			role = content.RoleUser
		}
		parts := make([]*genai.Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			gp, err := toGenaiPart(p)
			if err != nil {
				return nil, err
			}
			parts = append(parts, gp)
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out, nil
}

func toGenaiPart(p content.Part) (*genai.Part, error) {
	switch {
	case p.InlineData != nil:
		raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("decode inline data (%s): %w", p.InlineData.MIMEType, err)
		}
		return &genai.Part{InlineData: &genai.Blob{
			MIMEType: p.InlineData.MIMEType,
			Data:     raw,
		}}, nil
	case p.FileData != nil:
		return &genai.Part{FileData: &genai.FileData{
			MIMEType: p.FileData.MIMEType,
			FileURI:  p.FileData.FileURI,
		}}, nil
	default:
		return &genai.Part{Text: p.Text}, nil
	}
}

// fromGenaiParts normalizes provider response parts into the internal shape.
// Part kinds this proxy does not handle (function calls, executable code)
// are skipped; callers decide whether an all-skipped result is an error.
func fromGenaiParts(parts []*genai.Part) []content.Part {
	out := make([]content.Part, 0, len(parts))
	for _, p := range parts {
		if p == nil {
			continue
		}
		switch {
		case p.Text != "":
			out = append(out, content.TextPart(p.Text))
		case p.InlineData != nil:
			out = append(out, content.InlinePart(p.InlineData.MIMEType, p.InlineData.Data))
		case p.FileData != nil:
			out = append(out, content.FilePart(&content.FileData{
				MIMEType: p.FileData.MIMEType,
				FileURI:  p.FileData.FileURI,
			}))
		}
	}
	return out
}
