// Package testutil provides a scriptable stand-in for the Gemini provider so
// handler tests run without network access or real credentials.
package testutil

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/yuanwj/gemini-chat/internal/content"
	"github.com/yuanwj/gemini-chat/internal/server"
)

// FakeGemini implements server.Provider with canned replies and records what
// it was invoked with.
type FakeGemini struct {
	mu sync.Mutex

	// Reply is returned from blocking Generate calls.
	Reply []content.Part
	// StreamBatches are yielded in order from GenerateStream.
	StreamBatches [][]content.Part
	// StreamErr, when set, is yielded after StreamBatches.
	StreamErr error
	// GenerateErr, when set, fails blocking calls.
	GenerateErr error

	Uploads     []string // display names given to the uploader
	LastModel   string
	LastHistory []content.Turn
	LastAPIKey  string
}

// NewFakeGemini returns a fake whose blocking and streaming replies both say
// the given text.
func NewFakeGemini(text string) *FakeGemini {
	return &FakeGemini{
		Reply:         []content.Part{content.TextPart(text)},
		StreamBatches: [][]content.Part{{content.TextPart(text)}},
	}
}

// Factory returns a ProviderFactory that hands out this fake for every key.
func (f *FakeGemini) Factory() server.ProviderFactory {
	return func(ctx context.Context, apiKey string) (server.Provider, error) {
		f.mu.Lock()
		f.LastAPIKey = apiKey
		f.mu.Unlock()
		return f, nil
	}
}

func (f *FakeGemini) Files() content.Uploader {
	return fakeUploader{parent: f}
}

func (f *FakeGemini) Generate(ctx context.Context, model string, history []content.Turn) ([]content.Part, error) {
	f.record(model, history)
	if f.GenerateErr != nil {
		return nil, f.GenerateErr
	}
	return f.Reply, nil
}

func (f *FakeGemini) GenerateStream(ctx context.Context, model string, history []content.Turn) iter.Seq2[[]content.Part, error] {
	f.record(model, history)
	return func(yield func([]content.Part, error) bool) {
		for _, batch := range f.StreamBatches {
			if !yield(batch, nil) {
				return
			}
		}
		if f.StreamErr != nil {
			yield(nil, f.StreamErr)
		}
	}
}

func (f *FakeGemini) record(model string, history []content.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LastModel = model
	f.LastHistory = history
}

type fakeUploader struct {
	parent *FakeGemini
}

func (u fakeUploader) Upload(ctx context.Context, r io.Reader, mimeType, displayName string) (*content.FileData, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	u.parent.mu.Lock()
	u.parent.Uploads = append(u.parent.Uploads, displayName)
	u.parent.mu.Unlock()
	return &content.FileData{
		MIMEType: mimeType,
		FileURI:  fmt.Sprintf("files/fake-%s", displayName),
	}, nil
}
