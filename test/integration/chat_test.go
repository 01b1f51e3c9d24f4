package integration

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/yuanwj/gemini-chat/internal/apierr"
	"github.com/yuanwj/gemini-chat/internal/config"
	"github.com/yuanwj/gemini-chat/internal/content"
	"github.com/yuanwj/gemini-chat/internal/server"
	"github.com/yuanwj/gemini-chat/internal/store"
	"github.com/yuanwj/gemini-chat/test/testutil"
)

const testAPIKey = "test-api-key-12345"

type fixture struct {
	srv   *httptest.Server
	store *store.Store
	fake  *testutil.FakeGemini
}

func newFixture(t *testing.T, fake *testutil.FakeGemini) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		ListenAddr:   ":0",
		StaticDir:    t.TempDir(),
		FetchTimeout: 10 * time.Second,
	}
	srv := httptest.NewServer(server.New(cfg, st, fake.Factory()).Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: st, fake: fake}
}

type formFile struct {
	field, name, mime string
	data              []byte
}

func postChat(t *testing.T, url string, fields map[string]string, files []formFile) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	for _, f := range files {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="` + f.field + `"; filename="` + f.name + `"`}
		h["Content-Type"] = []string{f.mime}
		pw, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := pw.Write(f.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, url+"/chat", &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func baseFields(extra map[string]string) map[string]string {
	fields := map[string]string{
		"model":  "gemini-2.0-flash",
		"apikey": testAPIKey,
		"stream": "false",
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

func decodeChatResponse(t *testing.T, resp *http.Response) (int64, []content.Part) {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		ChatID   int64          `json:"chatId"`
		Response []content.Part `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body.ChatID, body.Response
}

func TestChat_NewConversation(t *testing.T) {
	fake := testutil.NewFakeGemini("Hello from Gemini")
	fx := newFixture(t, fake)

	resp := postChat(t, fx.srv.URL, baseFields(map[string]string{"input": "hello"}), nil)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	chatID, parts := decodeChatResponse(t, resp)
	if chatID <= 0 {
		t.Errorf("chatId = %d, want positive", chatID)
	}
	if len(parts) == 0 || parts[0].Text != "Hello from Gemini" {
		t.Errorf("response parts = %v", parts)
	}
	if fake.LastAPIKey != testAPIKey {
		t.Errorf("provider got key %q", fake.LastAPIKey)
	}

	// First invocation sees exactly the new user turn.
	if len(fake.LastHistory) != 1 || fake.LastHistory[0].Role != content.RoleUser {
		t.Fatalf("history = %+v", fake.LastHistory)
	}
	if fake.LastHistory[0].Parts[0].Text != "hello" {
		t.Errorf("user turn = %+v", fake.LastHistory[0])
	}
}

func TestChat_ReuseChatCarriesHistory(t *testing.T) {
	fake := testutil.NewFakeGemini("first reply")
	fx := newFixture(t, fake)

	resp := postChat(t, fx.srv.URL, baseFields(map[string]string{"input": "first question"}), nil)
	chatID, _ := decodeChatResponse(t, resp)

	resp = postChat(t, fx.srv.URL, baseFields(map[string]string{
		"input":  "second question",
		"chatId": strconv.FormatInt(chatID, 10),
	}), nil)
	gotID, _ := decodeChatResponse(t, resp)
	if gotID != chatID {
		t.Errorf("chat id changed: %d -> %d", chatID, gotID)
	}

	// user, model, user — in order.
	h := fake.LastHistory
	if len(h) != 3 {
		t.Fatalf("expected 3 turns, got %d: %+v", len(h), h)
	}
	wantRoles := []string{content.RoleUser, content.RoleModel, content.RoleUser}
	for i, role := range wantRoles {
		if h[i].Role != role {
			t.Errorf("turn %d role = %q, want %q", i, h[i].Role, role)
		}
	}
	if h[2].Parts[0].Text != "second question" {
		t.Errorf("latest turn = %+v", h[2])
	}
}

func TestChat_UnknownChatIDCreatesFresh(t *testing.T) {
	fake := testutil.NewFakeGemini("hi")
	fx := newFixture(t, fake)

	resp := postChat(t, fx.srv.URL, baseFields(map[string]string{
		"input":  "hello",
		"chatId": "999999",
	}), nil)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	chatID, _ := decodeChatResponse(t, resp)
	if chatID <= 0 || chatID == 999999 {
		t.Errorf("chatId = %d, want a fresh id", chatID)
	}
}

func TestChat_BadRequests(t *testing.T) {
	fake := testutil.NewFakeGemini("hi")
	fx := newFixture(t, fake)

	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"missing model", map[string]string{"apikey": testAPIKey, "input": "hi"}},
		{"missing apikey", map[string]string{"model": "gemini-2.0-flash", "input": "hi"}},
		{"blank input no files", baseFields(map[string]string{"input": "   "})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postChat(t, fx.srv.URL, tt.fields, nil)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestChat_WrongMethodIs404(t *testing.T) {
	fake := testutil.NewFakeGemini("hi")
	fx := newFixture(t, fake)

	resp, err := http.Get(fx.srv.URL + "/chat")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestChat_FileAttachmentInlined(t *testing.T) {
	fake := testutil.NewFakeGemini("nice file")
	fx := newFixture(t, fake)

	resp := postChat(t, fx.srv.URL, baseFields(map[string]string{"input": "what is this"}),
		[]formFile{{field: "file1", name: "note.txt", mime: "text/plain", data: []byte("attachment body")}})
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	resp.Body.Close()

	turn := fake.LastHistory[len(fake.LastHistory)-1]
	if len(turn.Parts) != 2 {
		t.Fatalf("expected inline part + text part, got %+v", turn.Parts)
	}
	if turn.Parts[0].InlineData == nil || turn.Parts[0].InlineData.MIMEType != "text/plain" {
		t.Errorf("first part = %+v", turn.Parts[0])
	}
	if turn.Parts[1].Text != "what is this" {
		t.Errorf("second part = %+v", turn.Parts[1])
	}
}

func TestChat_Streaming(t *testing.T) {
	fake := testutil.NewFakeGemini("")
	fake.StreamBatches = [][]content.Part{
		{content.TextPart("a")},
		{content.TextPart("b")},
	}
	fx := newFixture(t, fake)

	resp := postChat(t, fx.srv.URL, baseFields(map[string]string{
		"input":  "stream please",
		"stream": "true",
	}), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	chatID, err := strconv.ParseInt(resp.Header.Get("X-Chat-ID"), 10, 64)
	if err != nil || chatID <= 0 {
		t.Fatalf("X-Chat-ID = %q", resp.Header.Get("X-Chat-ID"))
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d: %v", len(lines), lines)
	}
	for i, line := range lines {
		var parts []content.Part
		if err := json.Unmarshal([]byte(line), &parts); err != nil {
			t.Errorf("line %d not a JSON array: %v", i, err)
		}
	}

	// The accumulated reply is persisted as one model turn.
	history, err := fx.store.History(t.Context(), chatID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected user + model turns, got %+v", history)
	}
	model := history[1]
	if model.Role != content.RoleModel || len(model.Parts) != 2 {
		t.Errorf("model turn = %+v", model)
	}
	if model.Parts[0].Text != "a" || model.Parts[1].Text != "b" {
		t.Errorf("accumulated parts = %+v", model.Parts)
	}
}

func TestChat_EmptyStreamPersistsNothing(t *testing.T) {
	fake := testutil.NewFakeGemini("")
	fake.StreamBatches = nil
	fx := newFixture(t, fake)

	resp := postChat(t, fx.srv.URL, baseFields(map[string]string{
		"input":  "anyone there",
		"stream": "true",
	}), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(raw)) != 0 {
		t.Errorf("expected empty body, got %q", raw)
	}

	chatID, _ := strconv.ParseInt(resp.Header.Get("X-Chat-ID"), 10, 64)
	history, err := fx.store.History(t.Context(), chatID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// Only the user turn; an empty reply is not persisted.
	if len(history) != 1 {
		t.Errorf("history = %+v", history)
	}
}

func TestChat_StreamingInvocationFailureIs500(t *testing.T) {
	fake := testutil.NewFakeGemini("")
	fake.StreamBatches = nil
	fake.StreamErr = &apierr.ModelError{Detail: "API key not valid"}
	fx := newFixture(t, fake)

	resp := postChat(t, fx.srv.URL, baseFields(map[string]string{
		"input":  "hello",
		"stream": "true",
	}), nil)
	defer resp.Body.Close()

	// A failure before the first batch must surface as a plain error
	// response, not a committed stream that breaks off.
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(raw), "API key not valid") {
		t.Errorf("body should carry the provider detail, got %q", raw)
	}
}

func TestChat_StreamingMidwayFailurePersistsPartial(t *testing.T) {
	fake := testutil.NewFakeGemini("")
	fake.StreamBatches = [][]content.Part{{content.TextPart("partial")}}
	fake.StreamErr = &apierr.ModelError{Detail: "backend hiccup"}
	fx := newFixture(t, fake)

	resp := postChat(t, fx.srv.URL, baseFields(map[string]string{
		"input":  "hello",
		"stream": "true",
	}), nil)
	defer resp.Body.Close()

	// The first batch commits the stream, so the failure can only show up as
	// a truncated body under the already-sent 200.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("expected a truncated body, read to a clean end")
	}

	chatID, _ := strconv.ParseInt(resp.Header.Get("X-Chat-ID"), 10, 64)
	history, err := fx.store.History(t.Context(), chatID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected user + partial model turns, got %+v", history)
	}
	if got := history[1]; got.Role != content.RoleModel || len(got.Parts) != 1 || got.Parts[0].Text != "partial" {
		t.Errorf("partial model turn = %+v", got)
	}
}
