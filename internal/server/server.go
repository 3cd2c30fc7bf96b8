// Package server exposes the HTTP API and the websocket event channel.
package server

import (
	"log/slog"
	"net/http"

	"github.com/voxlabs/voxconsole/internal/attach"
	"github.com/voxlabs/voxconsole/internal/config"
	"github.com/voxlabs/voxconsole/internal/journal"
	"github.com/voxlabs/voxconsole/internal/llm"
	"github.com/voxlabs/voxconsole/internal/store"
	"github.com/voxlabs/voxconsole/internal/stt"
	"github.com/voxlabs/voxconsole/internal/turn"
)

// Deps carries everything the server serves. Recognizer, Journal and
// Metrics may be nil when the feature is disabled.
type Deps struct {
	Config      config.Config
	Engine      *turn.Engine
	Store       *store.Store
	Attachments *attach.Store
	Encoder     attach.Encoder
	Recognizer  stt.Recognizer
	Generator   llm.Generator
	Journal     *journal.Store
	Metrics     http.Handler
	Ready       func() bool
	Logger      *slog.Logger
}

// Service routes client traffic to the engine and the stores.
type Service struct {
	deps Deps
	log  *slog.Logger
}

func New(deps Deps) *Service {
	return &Service{
		deps: deps,
		log:  deps.Logger.With(slog.String("component", "server")),
	}
}

// Handler builds the full route table.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("PUT /api/agents/reorder", s.handleReorderAgents)
	mux.HandleFunc("PUT /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("PUT /api/agents/{id}/settings", s.handleUpdateAgentSettings)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PUT /api/conversations/{id}/title", s.handleRenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("PUT /api/models/selected", s.handleSelectModel)

	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/transcribe", s.handleTranscribe)

	mux.HandleFunc("GET /api/turns/{id}/journal", s.handleTurnJournal)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready == nil || s.deps.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
