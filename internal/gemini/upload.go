package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/genai"

	"github.com/yuanwj/gemini-chat/internal/apierr"
	"github.com/yuanwj/gemini-chat/internal/content"
)

const (
	// uploadPollInterval is how long to wait between state polls while the
	// provider processes an uploaded file.
	uploadPollInterval = 5 * time.Second
	// uploadMaxPolls bounds the number of poll attempts before the upload is
	// declared timed out.
	uploadMaxPolls = 10
)

// filesAPI is the slice of the genai Files service the uploader consumes.
type filesAPI interface {
	Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
}

// FileService implements the large-object path: submit the blob once, then
// poll the file's state until the provider reports it usable.
type FileService struct {
	api          filesAPI
	pollInterval time.Duration
	maxPolls     uint
}

// NewFileService constructs a FileService with the default poll budget.
func NewFileService(api filesAPI) *FileService {
	return &FileService{
		api:          api,
		pollInterval: uploadPollInterval,
		maxPolls:     uploadMaxPolls,
	}
}

// Upload submits the blob and blocks until the file reaches ACTIVE, the
// provider reports FAILED, or the poll budget runs out. A part referencing
// the file is only ever built from an ACTIVE handle.
func (s *FileService) Upload(ctx context.Context, r io.Reader, mimeType, displayName string) (*content.FileData, error) {
	f, err := s.api.Upload(ctx, r, &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, &apierr.UploadError{Name: displayName, Reason: err.Error()}
	}

	f, err = s.awaitActive(ctx, f)
	if err != nil {
		var ue *apierr.UploadError
		if errors.As(err, &ue) {
			return nil, ue
		}
		return nil, &apierr.UploadError{Name: displayName, Reason: err.Error()}
	}

	return &content.FileData{MIMEType: f.MIMEType, FileURI: f.URI}, nil
}

// awaitActive polls the file by its provider-assigned name on a constant
// interval until it reaches a terminal state. Transient poll errors are
// retried on the same schedule; the final attempt's error propagates.
func (s *FileService) awaitActive(ctx context.Context, f *genai.File) (*genai.File, error) {
	switch f.State {
	case genai.FileStateActive:
		return f, nil
	case genai.FileStateFailed:
		return nil, failedError(f)
	}

	poll := func() (*genai.File, error) {
		cur, err := s.api.Get(ctx, f.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", f.Name, err)
		}
		switch cur.State {
		case genai.FileStateActive:
			return cur, nil
		case genai.FileStateFailed:
			return nil, backoff.Permanent(failedError(cur))
		default:
			return nil, fmt.Errorf("file %s not ready (state %s)", f.Name, cur.State)
		}
	}

	return backoff.Retry(ctx, poll,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.pollInterval)),
		backoff.WithMaxTries(s.maxPolls),
	)
}

func failedError(f *genai.File) error {
	reason := "processing failed"
	if f.Error != nil && f.Error.Message != "" {
		reason = f.Error.Message
	}
	return &apierr.UploadError{Name: f.Name, Reason: reason}
}
