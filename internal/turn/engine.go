package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxlabs/voxconsole/internal/config"
	"github.com/voxlabs/voxconsole/internal/llm"
	"github.com/voxlabs/voxconsole/internal/protocol"
	"github.com/voxlabs/voxconsole/internal/registry"
	"github.com/voxlabs/voxconsole/internal/segment"
	"github.com/voxlabs/voxconsole/internal/store"
	"github.com/voxlabs/voxconsole/internal/synth"
)

// errCancelled aborts the token consumer when the user cancels.
var errCancelled = errors.New("turn cancelled")

// Publisher is the bus side channel for turn lifecycle events. Publishing
// is best effort; a lost message never affects an active turn.
type Publisher interface {
	Publish(subject string, payload any) error
}

// Request describes one user submission.
type Request struct {
	ConversationID string
	AgentID        string
	Text           string
	Images         []string
	Model          string
}

// Engine owns the shared dependencies of all turns.
type Engine struct {
	cfg      config.Config
	gen      llm.Generator
	synth    synth.Synthesizer
	store    *store.Store
	registry *registry.Registry
	bus      Publisher
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine wires a turn engine. synthesizer and bus may be nil when TTS or
// the journal bus are disabled.
func NewEngine(parent context.Context, cfg config.Config, gen llm.Generator, synthesizer synth.Synthesizer, st *store.Store, reg *registry.Registry, bus Publisher, log *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(parent)
	return &Engine{
		cfg:      cfg,
		gen:      gen,
		synth:    synthesizer,
		store:    st,
		registry: reg,
		bus:      bus,
		log:      log.With(slog.String("component", "turn")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops accepting turns and waits for in-flight turns to reach a
// terminal state.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Cancel requests cancellation of the conversation's active turn.
func (e *Engine) Cancel(conversationID string) bool {
	return e.registry.Cancel(conversationID)
}

// StartTurn claims the conversation and launches the turn's activities. It
// returns registry.ErrConflict when a turn is already active.
func (e *Engine) StartTurn(req Request, emit EmitFunc) (*Turn, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return nil, fmt.Errorf("empty submission")
	}

	ctx, cancel := context.WithCancel(e.ctx)
	t := &Turn{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		ctx:            ctx,
		cancel:         cancel,
		emit:           emit,
		state:          StateIdle,
		done:           make(chan struct{}),
	}
	if err := e.registry.Begin(req.ConversationID, t); err != nil {
		cancel()
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(t.done)
		defer e.registry.End(req.ConversationID)
		defer cancel()
		e.run(t, req)
	}()
	return t, nil
}

// run drives one turn from AwaitingFirstToken to a terminal state.
func (e *Engine) run(t *Turn, req Request) {
	start := time.Now()
	log := e.log.With(slog.String("turn_id", t.ID), slog.String("conversation_id", t.ConversationID))

	llmReq, agent, err := e.resolve(t.ctx, req)
	if err != nil {
		log.Error("turn setup failed", slogError(err))
		t.send(protocol.Event{Type: protocol.EventError, ErrorKind: ErrKindGeneration, Message: err.Error()})
		e.transition(t, StateFailed)
		t.sendTerminal(StateFailed)
		return
	}

	e.publish(protocol.SubjectTurnStarted, protocol.TurnStarted{
		TurnID:         t.ID,
		ConversationID: t.ConversationID,
		AgentID:        agent.ID,
		Model:          llmReq.Model,
		Timestamp:      start.UTC(),
	})

	e.transition(t, StateAwaitingFirstToken)

	seg := segment.New()
	var pipeline *synth.Pipeline
	var drainWG sync.WaitGroup
	if e.synth != nil && e.cfg.TTS.Enabled {
		pipeline = synth.NewPipeline(t.ctx, e.synth, synth.Options{
			Voice:         e.cfg.TTS.Voice,
			Speed:         e.cfg.TTS.Speed,
			Language:      e.cfg.TTS.Language,
			MaxConcurrent: e.cfg.TTS.MaxConcurrent,
			QueueDepth:    e.cfg.Turn.EventBuffer,
		}, e.log)
		drainWG.Add(1)
		go func() {
			defer drainWG.Done()
			e.drainAudio(t, pipeline)
		}()
	}

	var text strings.Builder
	sentences := 0
	var promptTokens, completionTokens int
	streaming := false

	consume := func(chunk llm.Chunk) error {
		if t.cancelled.Load() {
			return errCancelled
		}
		if !streaming && chunk.Content != "" {
			streaming = true
			e.transition(t, StateStreaming)
			t.send(protocol.Event{Type: protocol.EventState, State: StateStreaming})
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			t.send(protocol.Event{Type: protocol.EventTextDelta, Text: chunk.Content})
			for _, s := range seg.Feed(chunk.Content) {
				sentences++
				e.dispatch(t, pipeline, s)
			}
		}
		if chunk.Done {
			promptTokens = chunk.PromptTokens
			completionTokens = chunk.CompletionTokens
		}
		return nil
	}

	err = e.streamWithRetry(t.ctx, llmReq, consume, log)

	switch {
	case errors.Is(err, errCancelled) || t.cancelled.Load():
		e.finishCancelled(t, req, agent, seg, pipeline, &drainWG, text.String(), log)
	case err != nil:
		e.finishFailed(t, pipeline, &drainWG, err, streaming, log)
	default:
		e.warnContext(t, llmReq, promptTokens, completionTokens)
		sentences += e.finishCommitted(t, req, agent, seg, pipeline, &drainWG, text.String(), log)
	}

	e.publish(protocol.SubjectTurnFinished, protocol.TurnFinished{
		TurnID:           t.ID,
		ConversationID:   t.ConversationID,
		State:            t.State(),
		Sentences:        sentences,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Duration:         time.Since(start),
		Timestamp:        time.Now().UTC(),
	})
	log.Info("turn finished",
		slog.String("state", t.State()),
		slog.Int("sentences", sentences),
		slog.Duration("duration", time.Since(start)))
}

// streamWithRetry calls the generator and retries exactly once when the
// model rejects a known parameter, with that parameter stripped.
func (e *Engine) streamWithRetry(ctx context.Context, req llm.Request, consume func(llm.Chunk) error, log *slog.Logger) error {
	err := e.gen.Stream(ctx, req, consume)
	var rejected *llm.RejectedParamError
	if !errors.As(err, &rejected) {
		return err
	}
	log.Warn("model rejected parameter, retrying without it",
		slog.String("param", rejected.Param))
	switch rejected.Param {
	case "num_ctx":
		req.NumCtx = 0
	case "temperature":
		req.Temperature = 0
	case "top_p":
		req.TopP = 0
	}
	return e.gen.Stream(ctx, req, consume)
}

// dispatch announces a sentence boundary and schedules synthesis.
func (e *Engine) dispatch(t *Turn, pipeline *synth.Pipeline, s segment.Sentence) {
	idx := s.Index
	t.send(protocol.Event{Type: protocol.EventSentenceBoundary, Index: &idx, Text: s.Text})
	if pipeline != nil && !t.cancelled.Load() {
		pipeline.Enqueue(s)
	}
}

// drainAudio forwards pipeline results to the client in sentence order.
func (e *Engine) drainAudio(t *Turn, pipeline *synth.Pipeline) {
	for r := range pipeline.Results() {
		idx := r.Index
		if r.Skipped {
			t.send(protocol.Event{Type: protocol.EventAudioSkip, Index: &idx})
			continue
		}
		t.send(protocol.Event{
			Type:       protocol.EventAudioChunk,
			Index:      &idx,
			PCM:        r.Audio.PCM,
			SampleRate: r.Audio.SampleRate,
			Channels:   r.Audio.Channels,
		})
	}
}

// finishCommitted flushes the segmenter, waits for audio with a bounded
// timeout and commits the full exchange. Returns the count of sentences
// emitted during the flush.
func (e *Engine) finishCommitted(t *Turn, req Request, agent store.Agent, seg *segment.Segmenter, pipeline *synth.Pipeline, drainWG *sync.WaitGroup, assistantText string, log *slog.Logger) int {
	e.transition(t, StateFinalizing)
	t.send(protocol.Event{Type: protocol.EventState, State: StateFinalizing})

	flushed := 0
	if tail, ok := seg.Flush(); ok {
		flushed++
		e.dispatch(t, pipeline, tail)
	}
	e.settlePipeline(t, pipeline, drainWG, log)

	// A cancel that lands while audio settles still wins over commit.
	if t.cancelled.Load() {
		t.muted.Store(true)
		if strings.TrimSpace(assistantText) != "" {
			if err := e.commit(t, req, agent, assistantText+CancelMarker); err != nil {
				log.Error("cancel commit failed", slogError(err))
				e.transition(t, StateFailed)
				t.sendTerminal(StateFailed)
				return flushed
			}
		}
		e.transition(t, StateCancelled)
		t.sendTerminal(StateCancelled)
		return flushed
	}

	if err := e.commit(t, req, agent, assistantText); err != nil {
		log.Error("commit failed", slogError(err))
		t.send(protocol.Event{Type: protocol.EventError, ErrorKind: ErrKindGeneration, Message: "failed to persist the reply"})
		e.transition(t, StateFailed)
		t.sendTerminal(StateFailed)
		return flushed
	}
	e.transition(t, StateCommitted)
	t.sendTerminal(StateCommitted)
	return flushed
}

// finishCancelled stops all scheduling, commits the partial text with the
// cancellation marker and closes the turn. The state event is the last
// thing the client sees.
func (e *Engine) finishCancelled(t *Turn, req Request, agent store.Agent, seg *segment.Segmenter, pipeline *synth.Pipeline, drainWG *sync.WaitGroup, partial string, log *slog.Logger) {
	e.transition(t, StateCancelled)

	// Mute first so late synthesis results cannot trail the state event.
	t.muted.Store(true)
	if pipeline != nil {
		pipeline.Close()
		go func() {
			for range pipeline.Results() {
			}
		}()
	}
	drainWG.Wait()

	if strings.TrimSpace(partial) != "" {
		if err := e.commit(t, req, agent, partial+CancelMarker); err != nil {
			log.Error("cancel commit failed", slogError(err))
			e.transition(t, StateFailed)
			t.sendTerminal(StateFailed)
			return
		}
	}
	t.sendTerminal(StateCancelled)
}

// finishFailed surfaces the error and commits nothing.
func (e *Engine) finishFailed(t *Turn, pipeline *synth.Pipeline, drainWG *sync.WaitGroup, err error, streamed bool, log *slog.Logger) {
	kind := ErrKindGeneration
	if !streamed {
		kind = ErrKindBackendUnavailable
	}
	var rejected *llm.RejectedParamError
	if errors.As(err, &rejected) {
		kind = ErrKindModelRejectedParams
	}
	log.Error("turn failed", slogError(err), slog.String("kind", kind))

	t.muted.Store(true)
	if pipeline != nil {
		pipeline.Close()
		go func() {
			for range pipeline.Results() {
			}
		}()
	}
	drainWG.Wait()
	t.muted.Store(false)

	t.send(protocol.Event{Type: protocol.EventError, ErrorKind: kind, Message: err.Error()})
	e.transition(t, StateFailed)
	t.sendTerminal(StateFailed)
}

// settlePipeline closes the pipeline and waits for the audio drain with the
// configured finalize timeout. On timeout the remaining results are
// discarded in the background so a hung synthesis call cannot hold the turn
// open.
func (e *Engine) settlePipeline(t *Turn, pipeline *synth.Pipeline, drainWG *sync.WaitGroup, log *slog.Logger) {
	if pipeline == nil {
		return
	}
	pipeline.Close()
	done := make(chan struct{})
	go func() {
		drainWG.Wait()
		close(done)
	}()
	timeout := time.Duration(e.cfg.Turn.FinalizeTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("finalize timeout, abandoning in-flight synthesis")
		t.muted.Store(true)
		go func() {
			for range pipeline.Results() {
			}
		}()
	}
}

// commit writes the user and assistant messages in one transaction,
// creating the conversation on first use.
func (e *Engine) commit(t *Turn, req Request, agent store.Agent, assistantText string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.store.GetConversation(ctx, req.ConversationID); errors.Is(err, store.ErrNotFound) {
		title := req.Text
		if runes := []rune(title); len(runes) > 48 {
			title = string(runes[:48])
		}
		if _, err := e.store.CreateConversation(ctx, req.ConversationID, agent.ID, title); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return e.store.AppendMessages(ctx, req.ConversationID, []store.Message{
		{Role: "user", Content: req.Text},
		{Role: "assistant", Content: assistantText},
	})
}

// warnContext emits a context_warning event when the exchange used most of
// the model's context window.
func (e *Engine) warnContext(t *Turn, req llm.Request, promptTokens, completionTokens int) {
	if req.NumCtx <= 0 {
		return
	}
	pct := e.cfg.Turn.ContextWarnPct
	if pct <= 0 {
		pct = 0.9
	}
	used := promptTokens + completionTokens
	if float64(used) >= pct*float64(req.NumCtx) {
		t.send(protocol.Event{
			Type:      protocol.EventContextWarning,
			ErrorKind: "context_near_limit",
			Message:   fmt.Sprintf("conversation used %d of %d context tokens", used, req.NumCtx),
		})
	}
}

// resolve builds the model request from agent persona, stored history and
// settings overrides.
func (e *Engine) resolve(ctx context.Context, req Request) (llm.Request, store.Agent, error) {
	agentID := req.AgentID
	if agentID == "" {
		agentID = store.DefaultAgent.ID
	}
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return llm.Request{}, store.Agent{}, fmt.Errorf("resolve agent %q: %w", agentID, err)
	}

	llmReq := llm.Request{
		Model:       e.cfg.LLM.Model,
		NumCtx:      e.cfg.LLM.NumCtx,
		Temperature: e.cfg.LLM.Temperature,
		TopP:        e.cfg.LLM.TopP,
	}
	if req.Model != "" {
		llmReq.Model = req.Model
	} else if last, err := e.store.LastModel(ctx); err == nil && last != "" {
		llmReq.Model = last
	}
	applyAgentSettings(&llmReq, agent.Settings)

	messages := []llm.Message{{Role: "system", Content: agent.Persona}}
	if agent.Type != "single-turn" {
		history, err := e.store.ListMessages(ctx, req.ConversationID)
		if err != nil {
			return llm.Request{}, store.Agent{}, fmt.Errorf("load history: %w", err)
		}
		for _, m := range history {
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: req.Text, Images: req.Images})
	llmReq.Messages = messages
	return llmReq, agent, nil
}

// applyAgentSettings overlays per-agent overrides onto the request.
func applyAgentSettings(req *llm.Request, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var s struct {
		Model       *string  `json:"model"`
		NumCtx      *int     `json:"num_ctx"`
		Temperature *float64 `json:"temperature"`
		TopP        *float64 `json:"top_p"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return
	}
	if s.Model != nil && *s.Model != "" {
		req.Model = *s.Model
	}
	if s.NumCtx != nil {
		req.NumCtx = *s.NumCtx
	}
	if s.Temperature != nil {
		req.Temperature = *s.Temperature
	}
	if s.TopP != nil {
		req.TopP = *s.TopP
	}
}

// transition records the new state and mirrors it on the bus so the
// journal timeline carries every transition, not only the endpoints.
func (e *Engine) transition(t *Turn, state string) {
	t.setState(state)
	e.publish(protocol.SubjectTurnState, protocol.TurnState{
		TurnID:         t.ID,
		ConversationID: t.ConversationID,
		State:          state,
		Timestamp:      time.Now().UTC(),
	})
}

func (e *Engine) publish(subject string, payload any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(subject, payload); err != nil {
		e.log.Debug("bus publish failed", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
