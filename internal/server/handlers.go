package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxlabs/voxconsole/internal/store"
	"github.com/voxlabs/voxconsole/internal/stt"
)

// userSettingsKey is the settings-table key holding the whole user
// preferences document.
const userSettingsKey = "user_settings"

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []store.Agent{}
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Service) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var a store.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid agent payload")
		return
	}
	if err := s.deps.Store.CreateAgent(r.Context(), a); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *Service) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var a store.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid agent payload")
		return
	}
	a.ID = r.PathValue("id")
	if err := s.deps.Store.UpdateAgent(r.Context(), a); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to update agent")
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Service) handleUpdateAgentSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil || !json.Valid(raw) {
		s.writeError(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	if err := s.deps.Store.UpdateAgentSettings(r.Context(), r.PathValue("id"), raw); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to update agent settings")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found or protected")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to delete agent")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Service) handleReorderAgents(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order []string `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Order) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid order payload")
		return
	}
	if err := s.deps.Store.ReorderAgents(r.Context(), body.Order); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to reorder agents")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Store.ListConversations(r.Context(), r.URL.Query().Get("agent"), 200)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	s.writeJSON(w, http.StatusOK, convs)
}

func (s *Service) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.deps.Store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	})
}

func (s *Service) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.deps.Store.RenameConversation(r.Context(), r.PathValue("id"), strings.TrimSpace(body.Title)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to rename conversation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// defaultSettings mirrors the config so a fresh install returns something
// usable before the user saves anything.
func (s *Service) defaultSettings() map[string]any {
	cfg := s.deps.Config
	return map[string]any{
		"tts_enabled": cfg.TTS.Enabled,
		"tts_lang":    cfg.TTS.Language,
		"tts_voice":   cfg.TTS.Voice,
		"tts_speed":   cfg.TTS.Speed,
		"num_ctx":     cfg.LLM.NumCtx,
		"temperature": cfg.LLM.Temperature,
		"top_p":       cfg.LLM.TopP,
	}
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.defaultSettings()
	var saved map[string]any
	err := s.deps.Store.GetSetting(r.Context(), userSettingsKey, &saved)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	for k, v := range saved {
		settings[k] = v
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Service) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	if err := s.deps.Store.SetSetting(r.Context(), userSettingsKey, body); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Generator.ListModels(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "model backend unreachable")
		return
	}
	selected, err := s.deps.Store.LastModel(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load selected model")
		return
	}
	if selected == "" {
		selected = s.deps.Config.LLM.Model
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"models":   models,
		"selected": selected,
	})
}

func (s *Service) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Model == "" {
		s.writeError(w, http.StatusBadRequest, "invalid model payload")
		return
	}
	if err := s.deps.Store.SetLastModel(r.Context(), body.Model); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save model selection")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.deps.Config.Upload.MaxFileSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "upload too large or malformed")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "no file part in the request")
		return
	}
	defer file.Close()

	connID := r.FormValue("conn_id")
	if connID == "" {
		s.writeError(w, http.StatusBadRequest, "missing conn_id")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	images, err := s.deps.Encoder.Encode(header.Filename, data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := s.deps.Attachments.Put(connID, images)
	s.log.Info("stored upload",
		slog.String("filename", header.Filename),
		slog.String("attachment_id", id),
		slog.Int("images", len(images)))
	s.writeJSON(w, http.StatusOK, map[string]string{"file_id": id})
}

func (s *Service) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recognizer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "speech recognition is disabled")
		return
	}
	maxBytes := int64(s.deps.Config.Upload.MaxFileSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "recording too large or malformed")
		return
	}
	file, _, err := r.FormFile("audio_data")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "no audio file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read recording")
		return
	}
	// Browser capture that ships raw 16-bit PCM declares its sample rate;
	// anything else must already be a WAV container.
	if !stt.IsWav(data) {
		rate, _ := strconv.Atoi(r.FormValue("sample_rate"))
		if rate <= 0 {
			s.writeError(w, http.StatusBadRequest, "recording must be wav, or raw pcm with a sample_rate")
			return
		}
		channels, _ := strconv.Atoi(r.FormValue("channels"))
		if channels <= 0 {
			channels = 1
		}
		data, err = stt.EncodePCMToWav(data, rate, channels)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid pcm payload")
			return
		}
	}

	lang := r.FormValue("language")
	if lang == "" {
		lang = s.deps.Config.STT.Language
	}
	result, err := s.deps.Recognizer.Transcribe(r.Context(), data, lang)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "transcription failed")
		return
	}
	transcript := result.Text
	if stt.IsGarbled(transcript) {
		s.log.Info("garbled transcript discarded", slog.String("text", transcript))
		transcript = ""
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"transcript": transcript,
		"confidence": result.Confidence,
	})
}

func (s *Service) handleTurnJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}
	entries, err := s.deps.Journal.ListTurnEvents(r.Context(), r.PathValue("id"), 200)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load journal")
		return
	}
	type entryView struct {
		Subject   string          `json:"subject"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt string          `json:"created_at"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			Subject:   e.Subject,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}
