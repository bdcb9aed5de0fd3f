package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"intakego/internal/apperr"
	"intakego/internal/auth"
	"intakego/internal/logger"
	"intakego/internal/models"
	"intakego/internal/pipeline"
	"intakego/internal/service/ai"
	"intakego/internal/storage"
	"intakego/internal/worker"
)

const testPassword = "open-sesame"

type testServer struct {
	router      *gin.Engine
	scratch     *storage.Scratch
	transcriber *mockTranscriber
	chat        *mockChatModel
}

type mockTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (m *mockTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("audio missing during transcription: %w", err)
	}
	return m.text, m.err
}

func (m *mockTranscriber) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockChatModel struct {
	mu     sync.Mutex
	reply  string
	calls  int
	during func()
}

func (m *mockChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.during != nil {
		m.during()
	}
	return &schema.Message{Role: schema.Assistant, Content: m.reply}, nil
}

func (m *mockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

func newTestServer(t *testing.T, password string, maxUpload int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	scratch, err := storage.NewScratch(filepath.Join(t.TempDir(), "uploads"), maxUpload, storage.DefaultStaleAfter, logger.Nop())
	if err != nil {
		t.Fatalf("scratch: %v", err)
	}
	transcriber := &mockTranscriber{text: "Hi, I'm Dana. I want to train twice a week."}
	chat := &mockChatModel{reply: "SECTION 1:\n- Dana, 34"}
	aiSvc := ai.NewServiceWithModel(chat, ai.Settings{}, logger.Nop())
	orch := pipeline.NewOrchestrator(scratch, transcriber, aiSvc, worker.NewLimiter(2, time.Second), logger.Nop())
	authSvc := auth.NewService(password, "test-secret", nil, time.Hour)

	handler := NewHandler(authSvc, orch, aiSvc, Options{
		MaxUploadBytes: maxUpload,
		AllowedOrigins: []string{"http://localhost:5173"},
	}, logger.Nop())
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, scratch: scratch, transcriber: transcriber, chat: chat}
}

func (s *testServer) scratchFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(s.scratch.Dir())
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	return len(entries)
}

func (s *testServer) login(t *testing.T) map[string]string {
	t.Helper()
	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/login", map[string]string{"password": testPassword}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Token string `json:"token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Token == "" {
		t.Fatalf("expected token from login")
	}
	return map[string]string{"Authorization": "Bearer " + body.Token}
}

type uploadPart struct {
	field       string
	name        string
	contentType string
	body        []byte
}

func postAudio(t *testing.T, router *gin.Engine, parts []uploadPart, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, p.field, p.name))
		h.Set("Content-Type", p.contentType)
		pw, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := pw.Write(p.body); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sampleMP3(size int) []byte {
	b := make([]byte, size)
	copy(b, "ID3\x04\x00\x00\x00")
	return b
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) models.ErrorPayload {
	t.Helper()
	assertStatus(t, rec, status)
	var payload models.ErrorPayload
	decodeJSON(t, rec.Body.Bytes(), &payload)
	if payload.Code != code {
		t.Fatalf("code = %s, want %s (body %s)", payload.Code, code, rec.Body.String())
	}
	if payload.Message == "" {
		t.Fatalf("error payload must carry a message")
	}
	return payload
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	resp := doJSONRequest(t, s.router, http.MethodGet, "/api/health", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
	if resp.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestAuthStatus(t *testing.T) {
	for _, tc := range []struct {
		password string
		want     bool
	}{{testPassword, true}, {"", false}} {
		s := newTestServer(t, tc.password, storage.MaxUploadBytes)
		resp := doJSONRequest(t, s.router, http.MethodGet, "/api/auth/status", nil, nil)
		assertStatus(t, resp, http.StatusOK)
		var body struct {
			AuthRequired bool `json:"authRequired"`
		}
		decodeJSON(t, resp.Body.Bytes(), &body)
		if body.AuthRequired != tc.want {
			t.Fatalf("authRequired = %v, want %v", body.AuthRequired, tc.want)
		}
	}
}

func TestLoginValidation(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)

	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/login", map[string]string{}, nil)
	assertErrorCode(t, resp, http.StatusBadRequest, apperr.CodeNoPassword)

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/auth/login", map[string]string{"password": "nope"}, nil)
	payload := assertErrorCode(t, resp, http.StatusUnauthorized, apperr.CodeInvalidCredentials)
	if payload.Retryable {
		t.Fatalf("invalid credentials must not be retryable")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assertErrorCode(t, rec, http.StatusBadRequest, apperr.CodeInvalidRequest)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)

	resp := postAudio(t, s.router, []uploadPart{{"audio", "sample.mp3", "audio/mpeg", sampleMP3(1024)}}, nil)
	assertErrorCode(t, resp, http.StatusUnauthorized, apperr.CodeAuthRequired)

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/ask", map[string]string{"question": "q"},
		map[string]string{"Authorization": "Bearer bm90LWEtdG9rZW4="})
	assertErrorCode(t, resp, http.StatusUnauthorized, apperr.CodeInvalidToken)

	if s.transcriber.callCount() != 0 || s.scratchFiles(t) != 0 {
		t.Fatalf("unauthenticated requests must not reach the pipeline")
	}
}

func TestAuthDisabledAllowsAnonymousRequests(t *testing.T) {
	s := newTestServer(t, "", storage.MaxUploadBytes)
	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/ask", map[string]string{
		"question":        "Any injuries?",
		"transcript":      "transcript",
		"formattedIntake": "intake",
	}, nil)
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/auth/login", map[string]string{"password": "x"}, nil)
	assertErrorCode(t, resp, http.StatusBadRequest, apperr.CodeAuthDisabled)
}

func TestTranscribeEndToEnd(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)

	resp := postAudio(t, s.router, []uploadPart{{"audio", "sample.mp3", "audio/mpeg", sampleMP3(10 << 20)}}, headers)
	assertStatus(t, resp, http.StatusOK)
	var body models.IntakeResult
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Transcription == "" || body.FormattedIntake == "" {
		t.Fatalf("expected non-empty outputs, got %+v", body)
	}
	if s.scratchFiles(t) != 0 {
		t.Fatalf("scratch file left behind")
	}
}

func TestTranscribeKeepsSingleCopyOfAudio(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)

	var leftovers []string
	s.chat.during = func() {
		entries, err := os.ReadDir(tmp)
		if err != nil {
			t.Errorf("read tmp dir: %v", err)
			return
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "multipart-") {
				leftovers = append(leftovers, e.Name())
			}
		}
		if n := s.scratchFiles(t); n != 0 {
			t.Errorf("scratch file still present during summarization: %d", n)
		}
	}

	resp := postAudio(t, s.router, []uploadPart{{"audio", "sample.mp3", "audio/mpeg", sampleMP3(10 << 20)}}, headers)
	assertStatus(t, resp, http.StatusOK)
	if s.chat.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", s.chat.calls)
	}
	if len(leftovers) != 0 {
		t.Fatalf("upload copies outside scratch storage during summarization: %v", leftovers)
	}
}

func TestTranscribeSkipsOtherFormFields(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)

	resp := postAudio(t, s.router, []uploadPart{
		{"note", "readme.txt", "text/plain", []byte("ignored")},
		{"audio", "sample.wav", "audio/wav", sampleMP3(4096)},
		{"attachment", "extra.mp3", "audio/mpeg", sampleMP3(1024)},
	}, headers)
	assertStatus(t, resp, http.StatusOK)
	if s.transcriber.callCount() != 1 {
		t.Fatalf("transcriber calls = %d, want 1", s.transcriber.callCount())
	}
}

func TestTranscribeRejectsDeclaredLengthOverLimit(t *testing.T) {
	s := newTestServer(t, testPassword, 64<<10)
	headers := s.login(t)

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", strings.NewReader("--x--\r\n"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	req.ContentLength = 100 << 20
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	payload := assertErrorCode(t, rec, http.StatusRequestEntityTooLarge, apperr.CodeFileTooLarge)
	if !strings.Contains(payload.Message, "64KB") {
		t.Fatalf("message should name the configured limit, got %q", payload.Message)
	}
}

func TestTranscribeRejectsRenamedTextFile(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)

	resp := postAudio(t, s.router, []uploadPart{{"audio", "notes.mp3", "text/plain", []byte("these are meeting notes\n")}}, headers)
	payload := assertErrorCode(t, resp, http.StatusBadRequest, apperr.CodeInvalidFileType)
	if payload.Retryable {
		t.Fatalf("invalid file type must not be retryable")
	}
	if s.transcriber.callCount() != 0 {
		t.Fatalf("transcriber must not be called")
	}
	if s.scratchFiles(t) != 0 {
		t.Fatalf("nothing should be written for a rejected upload")
	}
}

func TestTranscribeNoFile(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)

	resp := postAudio(t, s.router, []uploadPart{{"attachment", "sample.mp3", "audio/mpeg", sampleMP3(1024)}}, headers)
	assertErrorCode(t, resp, http.StatusBadRequest, apperr.CodeNoFile)

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/transcribe", map[string]string{"audio": "x"}, headers)
	assertErrorCode(t, resp, http.StatusBadRequest, apperr.CodeNoFile)
}

func TestTranscribeTooManyFiles(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)

	part := uploadPart{"audio", "a.mp3", "audio/mpeg", sampleMP3(1024)}
	resp := postAudio(t, s.router, []uploadPart{part, part}, headers)
	assertErrorCode(t, resp, http.StatusBadRequest, apperr.CodeTooManyFiles)
	if s.scratchFiles(t) != 0 {
		t.Fatalf("nothing should be written")
	}
}

func TestTranscribeTooLarge(t *testing.T) {
	s := newTestServer(t, testPassword, 64<<10)
	headers := s.login(t)

	resp := postAudio(t, s.router, []uploadPart{{"audio", "big.mp3", "audio/mpeg", sampleMP3(128 << 10)}}, headers)
	payload := assertErrorCode(t, resp, http.StatusRequestEntityTooLarge, apperr.CodeFileTooLarge)
	if !strings.Contains(payload.Message, "64KB") {
		t.Fatalf("message should name the configured limit, got %q", payload.Message)
	}

	resp = postAudio(t, s.router, []uploadPart{{"audio", "huge.mp3", "audio/mpeg", sampleMP3(3 << 20)}}, headers)
	assertErrorCode(t, resp, http.StatusRequestEntityTooLarge, apperr.CodeFileTooLarge)

	if s.transcriber.callCount() != 0 || s.scratchFiles(t) != 0 {
		t.Fatalf("oversized uploads must not reach transcription or scratch storage")
	}
}

func TestTranscribeProviderFailure(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)
	s.transcriber.err = errors.New("error, status code: 401, message: Incorrect API key provided")

	resp := postAudio(t, s.router, []uploadPart{{"audio", "a.m4a", "audio/x-m4a", sampleMP3(4096)}}, headers)
	payload := assertErrorCode(t, resp, http.StatusInternalServerError, apperr.CodeAPIKeyError)
	if strings.Contains(payload.Message, "Incorrect API key") {
		t.Fatalf("provider details must not leak to the client")
	}
	if s.scratchFiles(t) != 0 {
		t.Fatalf("scratch file left behind after failure")
	}
}

func TestTranscribeSilentRecording(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)
	s.transcriber.text = ""

	resp := postAudio(t, s.router, []uploadPart{{"audio", "silence.wav", "audio/wav", sampleMP3(4096)}}, headers)
	payload := assertErrorCode(t, resp, http.StatusBadGateway, apperr.CodeNoSpeech)
	if payload.Retryable {
		t.Fatalf("an empty transcript will not change on retry")
	}
	if s.chat.calls != 0 {
		t.Fatalf("summarizer must not run without speech")
	}
	if s.scratchFiles(t) != 0 {
		t.Fatalf("scratch file left behind")
	}
}

func TestTranscribeEventStream(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)
	headers["Accept"] = "text/event-stream"

	resp := postAudio(t, s.router, []uploadPart{{"audio", "sample.mp3", "audio/mpeg", sampleMP3(4096)}}, headers)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %s", ct)
	}
	events := parseSSE(t, resp.Body.String())
	wantStages := []string{"uploading", "transcribing", "processing"}
	if len(events) != len(wantStages)+1 {
		t.Fatalf("expected %d SSE events, got %d: %+v", len(wantStages)+1, len(events), events)
	}
	for i, stage := range wantStages {
		var payload struct {
			Stage string `json:"stage"`
		}
		decodeJSON(t, []byte(events[i].Data), &payload)
		if events[i].Name != "stage" || payload.Stage != stage {
			t.Fatalf("event %d = %s %s, want stage %s", i, events[i].Name, events[i].Data, stage)
		}
	}
	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("expected done event, got %s", last.Name)
	}
	var result models.IntakeResult
	decodeJSON(t, []byte(last.Data), &result)
	if result.FormattedIntake == "" {
		t.Fatalf("done payload missing intake")
	}
	if s.scratchFiles(t) != 0 {
		t.Fatalf("scratch file left behind")
	}
}

func TestTranscribeEventStreamError(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)
	headers["Accept"] = "text/event-stream"
	s.transcriber.err = errors.New("error, status code: 429, message: quota")

	resp := postAudio(t, s.router, []uploadPart{{"audio", "sample.mp3", "audio/mpeg", sampleMP3(4096)}}, headers)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Name != "error" {
		t.Fatalf("expected error event, got %s", last.Name)
	}
	var payload models.ErrorPayload
	decodeJSON(t, []byte(last.Data), &payload)
	if payload.Code != apperr.CodeRateLimited || !payload.Retryable {
		t.Fatalf("unexpected error payload %+v", payload)
	}
}

func TestAsk(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)
	s.chat.reply = "She mentioned a left knee injury."

	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/ask", map[string]string{
		"question":        "Any injuries?",
		"transcript":      "transcript",
		"formattedIntake": "intake",
	}, headers)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Answer string `json:"answer"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Answer != "She mentioned a left knee injury." {
		t.Fatalf("unexpected answer %q", body.Answer)
	}
}

func TestAskValidation(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	headers := s.login(t)

	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/ask", map[string]string{
		"question": "   ", "transcript": "t", "formattedIntake": "i",
	}, headers)
	assertErrorCode(t, resp, http.StatusBadRequest, apperr.CodeNoQuestion)

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/ask", map[string]string{
		"question": "why?", "transcript": "t",
	}, headers)
	assertErrorCode(t, resp, http.StatusBadRequest, apperr.CodeNoContext)

	if s.chat.calls != 0 {
		t.Fatalf("model must not be called for invalid questions")
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, testPassword, storage.MaxUploadBytes)
	req := httptest.NewRequest(http.MethodOptions, "/api/transcribe", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("origin not allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unlisted origin should not be allowed")
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
