package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxlabs/voxconsole/internal/attach"
	"github.com/voxlabs/voxconsole/internal/config"
	"github.com/voxlabs/voxconsole/internal/llm"
	"github.com/voxlabs/voxconsole/internal/registry"
	"github.com/voxlabs/voxconsole/internal/store"
	"github.com/voxlabs/voxconsole/internal/stt"
	"github.com/voxlabs/voxconsole/internal/synth"
	"github.com/voxlabs/voxconsole/internal/turn"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "vox.db")

	st, err := store.Open(context.Background(), cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gen := llm.NewMockGenerator("Hello there. How can I help?")
	engine := turn.NewEngine(context.Background(), cfg, gen,
		synth.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels),
		st, registry.New(), nil, logger)
	t.Cleanup(engine.Close)

	svc := New(Deps{
		Config:      cfg,
		Engine:      engine,
		Store:       st,
		Attachments: attach.NewStore(logger),
		Encoder:     attach.NewPassthroughEncoder(cfg.Upload.MaxPDFPages),
		Recognizer:  stt.NewMockRecognizer(),
		Generator:   gen,
		Logger:      logger,
	})
	return svc, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAgentEndpoints(t *testing.T) {
	svc, _ := newTestService(t)
	h := svc.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list agents: %d %s", rec.Code, rec.Body)
	}
	var agents []store.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "assistant" {
		t.Fatalf("expected seeded default agent, got %+v", agents)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/agents", store.Agent{
		ID: "coder", Name: "Coder", Persona: "You write code.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agent: %d %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/agents/coder", store.Agent{
		Name: "Coder", Persona: "You write Go.",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update agent: %d %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/agents/reorder", map[string]any{"order": []string{"coder"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("reorder: %d %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/agents/coder", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete agent: %d %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/agents/assistant", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("default agent delete should 404, got %d", rec.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	svc, _ := newTestService(t)
	h := svc.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get settings: %d", rec.Code)
	}
	var settings map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings["tts_voice"] != "af_heart" {
		t.Fatalf("defaults missing: %+v", settings)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/settings", map[string]any{"tts_speed": 1.5})
	if rec.Code != http.StatusOK {
		t.Fatalf("put settings: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/settings", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &settings)
	if settings["tts_speed"] != 1.5 {
		t.Fatalf("saved setting not merged: %+v", settings)
	}
	if settings["tts_voice"] != "af_heart" {
		t.Fatal("defaults lost after save")
	}
}

func TestModelEndpoints(t *testing.T) {
	svc, _ := newTestService(t)
	h := svc.Handler()

	rec := doJSON(t, h, http.MethodPut, "/api/models/selected", map[string]string{"model": "mock"})
	if rec.Code != http.StatusOK {
		t.Fatalf("select model: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list models: %d", rec.Code)
	}
	var body struct {
		Models   []string `json:"models"`
		Selected string   `json:"selected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(body.Models) != 1 || body.Selected != "mock" {
		t.Fatalf("unexpected models response: %+v", body)
	}
}

func multipartBody(t *testing.T, field, filename string, data []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range extra {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestUploadEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	h := svc.Handler()

	body, contentType := multipartBody(t, "file", "photo.png", []byte{1, 2, 3}, map[string]string{"conn_id": "conn-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["file_id"] == "" {
		t.Fatal("no file_id returned")
	}
	if images, ok := svc.deps.Attachments.Take(resp["file_id"]); !ok || len(images) != 1 {
		t.Fatal("attachment not stored")
	}

	body, contentType = multipartBody(t, "file", "script.sh", []byte{1}, map[string]string{"conn_id": "conn-1"})
	req = httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("disallowed upload should 400, got %d", rec.Code)
	}
}

func TestTranscribeEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	h := svc.Handler()

	wav, err := stt.EncodePCMToWav(make([]byte, 4800), 24000, 1)
	if err != nil {
		t.Fatalf("build wav: %v", err)
	}
	body, contentType := multipartBody(t, "audio_data", "rec.wav", wav, map[string]string{"language": "en"})
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("transcribe: %d %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.Contains(resp["transcript"].(string), "mock transcript") {
		t.Fatalf("unexpected transcript: %v", resp)
	}

	body, contentType = multipartBody(t, "audio_data", "rec.wav", []byte("not a wav"), nil)
	req = httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-wav without sample_rate should 400, got %d", rec.Code)
	}
}

func TestTranscribeAcceptsRawPCM(t *testing.T) {
	svc, _ := newTestService(t)
	h := svc.Handler()

	// Raw capture carries no RIFF header; the declared rate drives encoding.
	pcm := make([]byte, 4800)
	body, contentType := multipartBody(t, "audio_data", "rec.pcm", pcm,
		map[string]string{"sample_rate": "24000", "channels": "1"})
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("raw pcm transcribe: %d %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.Contains(resp["transcript"].(string), "mock transcript") {
		t.Fatalf("unexpected transcript: %v", resp)
	}

	// An odd byte count cannot be 16-bit samples.
	body, contentType = multipartBody(t, "audio_data", "rec.pcm", make([]byte, 101),
		map[string]string{"sample_rate": "24000"})
	req = httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unaligned pcm should 400, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	svc, _ := newTestService(t)
	h := svc.Handler()

	if rec := doJSON(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
}
