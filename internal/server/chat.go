package server

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/yuanwj/gemini-chat/internal/apierr"
	"github.com/yuanwj/gemini-chat/internal/content"
	"github.com/yuanwj/gemini-chat/internal/relay"
	"github.com/yuanwj/gemini-chat/internal/store"
)

// maxFormMemory bounds how much of a multipart body is held in memory;
// larger file parts spill to disk.
const maxFormMemory = 32 << 20

// Store is the conversation store surface the handler consumes.
type Store interface {
	CreateChat(ctx context.Context) (int64, error)
	GetChat(ctx context.Context, id int64) (*store.Chat, error)
	AppendMessage(ctx context.Context, chatID int64, role string, parts []content.Part) (int64, error)
	History(ctx context.Context, chatID int64) ([]content.Turn, error)
}

// Provider is the slice of the Gemini client one request needs.
type Provider interface {
	Files() content.Uploader
	Generate(ctx context.Context, model string, history []content.Turn) ([]content.Part, error)
	GenerateStream(ctx context.Context, model string, history []content.Turn) iter.Seq2[[]content.Part, error]
}

// ProviderFactory builds a Provider from the API key supplied with one
// request. Credentials never outlive the request.
type ProviderFactory func(ctx context.Context, apiKey string) (Provider, error)

// ChatHandler drives one chat request end to end: resolve the chat, ingest
// the user's content, persist it, load history, invoke the model, and relay
// or return the reply.
type ChatHandler struct {
	store     Store
	providers ProviderFactory
	fetcher   *http.Client
}

// NewChatHandler constructs a ChatHandler.
func NewChatHandler(st Store, providers ProviderFactory, fetcher *http.Client) *ChatHandler {
	return &ChatHandler{store: st, providers: providers, fetcher: fetcher}
}

type chatResponse struct {
	ChatID   int64          `json:"chatId"`
	Response []content.Part `json:"response"`
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		apierr.WriteJSONError(w, http.StatusBadRequest, "malformed multipart form: "+err.Error())
		return
	}

	model := r.FormValue("model")
	apiKey := r.FormValue("apikey")
	if model == "" || apiKey == "" {
		apierr.WriteJSONError(w, http.StatusBadRequest, "model and apikey are required")
		return
	}
	input := r.FormValue("input")
	streaming := r.FormValue("stream") == "true"

	attachments := formAttachments(r.MultipartForm)
	if strings.TrimSpace(input) == "" && len(attachments) == 0 {
		apierr.WriteJSONError(w, http.StatusBadRequest, "enter a message or attach a file")
		return
	}

	provider, err := h.providers(ctx, apiKey)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	chatID, err := h.resolveChat(ctx, r.FormValue("chatId"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	ingestor := content.NewIngestor(provider.Files(), h.fetcher)
	parts := ingestor.Ingest(ctx, input, attachments)
	if len(parts) == 0 {
		apierr.WriteJSONError(w, http.StatusBadRequest, "enter a message or attach a file")
		return
	}

	// The user's turn is durable before the model is ever invoked.
	if _, err := h.store.AppendMessage(ctx, chatID, content.RoleUser, parts); err != nil {
		apierr.WriteError(w, err)
		return
	}

	history, err := h.store.History(ctx, chatID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	if streaming {
		h.streamResponse(w, r, provider, model, chatID, history)
		return
	}

	reply, err := provider.Generate(ctx, model, history)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if len(reply) > 0 {
		if _, err := h.store.AppendMessage(ctx, chatID, content.RoleModel, reply); err != nil {
			apierr.WriteError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{ChatID: chatID, Response: reply})
}

// resolveChat reuses the supplied chat when it exists; a missing, invalid, or
// stale id falls back to a fresh chat.
func (h *ChatHandler) resolveChat(ctx context.Context, raw string) (int64, error) {
	if raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			existing, err := h.store.GetChat(ctx, id)
			if err != nil {
				return 0, err
			}
			if existing != nil {
				return existing.ID, nil
			}
			slog.Warn("unknown chat id, creating new chat", "chat_id", id)
		}
	}
	return h.store.CreateChat(ctx)
}

// streamResponse relays the model's stream to the client as NDJSON and
// persists whatever accumulated, even when the stream ends badly. The first
// element is pulled before the response is committed, so an invocation that
// fails before producing anything surfaces as a regular error status instead
// of a truncated stream.
func (h *ChatHandler) streamResponse(w http.ResponseWriter, r *http.Request, provider Provider, model string, chatID int64, history []content.Turn) {
	ctx := r.Context()

	next, stop := iter.Pull2(provider.GenerateStream(ctx, model, history))
	defer stop()

	first, err, ok := next()
	if ok && err != nil {
		apierr.WriteError(w, err)
		return
	}

	relay.Headers(w, chatID)
	w.WriteHeader(http.StatusOK)

	rl := relay.New(w)
	parts, err := rl.Run(func(yield func([]content.Part, error) bool) {
		if !ok || !yield(first, nil) {
			return
		}
		for {
			batch, err, more := next()
			if !more {
				return
			}
			if !yield(batch, err) {
				return
			}
		}
	})

	if len(parts) > 0 {
		// Persist what exists even when the client is already gone.
		persistCtx := context.WithoutCancel(ctx)
		if _, perr := h.store.AppendMessage(persistCtx, chatID, content.RoleModel, parts); perr != nil {
			slog.Error("persist streamed reply", "chat_id", chatID, "error", perr)
		}
	}

	switch {
	case err == nil:
	case relay.IsClientAbort(err):
		slog.Info("client aborted stream", "chat_id", chatID)
	default:
		slog.Error("stream failed", "chat_id", chatID, "error", err)
		// Truncate the chunked body so the client sees an error rather than
		// a clean end of stream.
		panic(http.ErrAbortHandler)
	}
}

// formAttachments collects every file field from the parsed multipart form.
func formAttachments(form *multipart.Form) []content.Attachment {
	if form == nil {
		return nil
	}
	var attachments []content.Attachment
	for _, headers := range form.File {
		for _, fh := range headers {
			attachments = append(attachments, content.Attachment{
				Name:     fh.Filename,
				MIMEType: fh.Header.Get("Content-Type"),
				Size:     fh.Size,
				Open: func() (io.ReadCloser, error) {
					return fh.Open()
				},
			})
		}
	}
	return attachments
}
