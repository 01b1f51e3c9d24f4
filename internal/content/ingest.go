package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// InlineLimit is the size at which an attachment takes the large-object
// path instead of being base64-embedded.
const InlineLimit = 5 << 20 // 5 MiB

// maxFetchBytes bounds how much of a linked image is read into memory.
const maxFetchBytes = 64 << 20

// imageURLPattern matches embedded media URLs with common image extensions.
var imageURLPattern = regexp.MustCompile(`(?i)https?://\S+\.(?:png|jpe?g|gif|webp|bmp)`)

// Uploader puts large or stream-oriented media into the provider's file
// store and returns a reference only once the object is usable.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, mimeType, displayName string) (*FileData, error)
}

// Attachment is one file supplied with a message: an explicit multipart
// upload or an image fetched from a URL embedded in the text.
type Attachment struct {
	Name     string
	MIMEType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// BytesAttachment wraps an in-memory payload as an Attachment.
func BytesAttachment(name, mimeType string, data []byte) Attachment {
	return Attachment{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Ingestor converts raw input (text plus attachments) into an ordered list
// of parts, deciding the encoding strategy per item.
type Ingestor struct {
	uploader Uploader
	fetcher  *http.Client
}

// NewIngestor constructs an Ingestor. fetcher may be nil, in which case
// http.DefaultClient is used for embedded URLs.
func NewIngestor(uploader Uploader, fetcher *http.Client) *Ingestor {
	if fetcher == nil {
		fetcher = http.DefaultClient
	}
	return &Ingestor{uploader: uploader, fetcher: fetcher}
}

// Ingest classifies and transforms the raw input into parts.
//
// Image URLs embedded in rawText are fetched and join the attachment list;
// each is removed from the residual text, and a URL appearing more than once
// is fetched only once. Every attachment is then encoded
// inline or through the large-object path. Failures of a single URL or
// attachment become diagnostic text parts so one bad item never aborts the
// rest of the message. The trimmed residual text, if non-empty, is always
// the final part. Empty input yields an empty slice.
func (in *Ingestor) Ingest(ctx context.Context, rawText string, attachments []Attachment) []Part {
	var parts []Part

	residual := rawText
	seen := make(map[string]bool)
	for _, link := range imageURLPattern.FindAllString(rawText, -1) {
		if seen[link] {
			continue
		}
		seen[link] = true
		residual = strings.ReplaceAll(residual, link, "")
		att, err := in.fetchImage(ctx, link)
		if err != nil {
			parts = append(parts, TextPart(fmt.Sprintf("[could not load %s: %v]", link, err)))
			continue
		}
		attachments = append(attachments, att)
	}

	for _, att := range attachments {
		part, err := in.encode(ctx, att)
		if err != nil {
			parts = append(parts, TextPart(fmt.Sprintf("[attachment %q failed: %v]", att.Name, err)))
			continue
		}
		parts = append(parts, part)
	}

	if trimmed := strings.TrimSpace(residual); trimmed != "" {
		parts = append(parts, TextPart(trimmed))
	}
	return parts
}

// encode picks the encoding strategy for one attachment: audio and video
// always take the large-object path regardless of size, anything at or over
// InlineLimit does too, and everything else is embedded inline.
func (in *Ingestor) encode(ctx context.Context, att Attachment) (Part, error) {
	mimeType := att.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if needsUpload(mimeType, att.Size) {
		r, err := att.Open()
		if err != nil {
			return Part{}, fmt.Errorf("open: %w", err)
		}
		defer r.Close()
		fd, err := in.uploader.Upload(ctx, r, mimeType, att.Name)
		if err != nil {
			return Part{}, err
		}
		return FilePart(fd), nil
	}

	r, err := att.Open()
	if err != nil {
		return Part{}, fmt.Errorf("open: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return Part{}, fmt.Errorf("read: %w", err)
	}
	return InlinePart(mimeType, raw), nil
}

func needsUpload(mimeType string, size int64) bool {
	if strings.HasPrefix(mimeType, "audio/") || strings.HasPrefix(mimeType, "video/") {
		return true
	}
	return size >= InlineLimit
}

// fetchImage downloads one embedded URL and verifies it actually is an image.
func (in *Ingestor) fetchImage(ctx context.Context, link string) (Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return Attachment{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := in.fetcher.Do(req)
	if err != nil {
		return Attachment{}, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Attachment{}, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	mimeType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		return Attachment{}, fmt.Errorf("not an image: content-type %q", mimeType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return Attachment{}, fmt.Errorf("read body: %w", err)
	}
	return BytesAttachment(filenameFor(link), mimeType, data), nil
}

// filenameFor derives a display name from the URL path, falling back to a
// synthesized name when the path yields nothing usable.
func filenameFor(link string) string {
	if u, err := url.Parse(link); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "linked-image-" + uuid.NewString()
}
