package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/voxlabs/voxconsole/internal/config"
	"github.com/voxlabs/voxconsole/internal/llm"
	"github.com/voxlabs/voxconsole/internal/protocol"
	"github.com/voxlabs/voxconsole/internal/registry"
	"github.com/voxlabs/voxconsole/internal/store"
	"github.com/voxlabs/voxconsole/internal/synth"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) emit(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) last() protocol.Event {
	evs := r.snapshot()
	if len(evs) == 0 {
		return protocol.Event{}
	}
	return evs[len(evs)-1]
}

// scriptedGen streams fixed token chunks with an optional pause gate and
// optional one-time parameter rejection.
type scriptedGen struct {
	mu        sync.Mutex
	chunks    []string
	rejectOn  string
	failWith  error
	pause     chan struct{}
	requests  []llm.Request
	streamErr error
}

func (g *scriptedGen) Stream(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	reject := g.rejectOn
	g.rejectOn = ""
	g.mu.Unlock()

	if g.failWith != nil {
		return g.failWith
	}
	if reject != "" {
		return &llm.RejectedParamError{Param: reject, Detail: "unsupported option " + reject}
	}
	for _, c := range g.chunks {
		if g.pause != nil {
			select {
			case <-g.pause:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := consumer(llm.Chunk{Content: c}); err != nil {
			return err
		}
	}
	return consumer(llm.Chunk{Done: true, PromptTokens: 50, CompletionTokens: 20})
}

func (g *scriptedGen) ListModels(ctx context.Context) ([]string, error) {
	return []string{"scripted"}, nil
}

func newEngineWith(t *testing.T, gen llm.Generator, synthesizer synth.Synthesizer, bus Publisher) (*Engine, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "vox.db")
	cfg.Turn.FinalizeTimeout = 2000
	st, err := store.Open(context.Background(), cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := NewEngine(context.Background(), cfg, gen, synthesizer, st, registry.New(), bus, logger)
	t.Cleanup(e.Close)
	return e, st
}

func newTestEngine(t *testing.T, gen llm.Generator) (*Engine, *store.Store) {
	t.Helper()
	cfg := config.Default()
	return newEngineWith(t, gen, synth.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels), nil)
}

func waitDone(t *testing.T, turn *Turn) {
	t.Helper()
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached a terminal state")
	}
}

func TestHappyPathStreamsAndCommits(t *testing.T) {
	gen := &scriptedGen{chunks: []string{"Hello ", "world. ", "How are ", "you today?"}}
	e, st := newTestEngine(t, gen)
	rec := &recorder{}

	turn, err := e.StartTurn(Request{ConversationID: "conv-1", Text: "hi"}, rec.emit)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitDone(t, turn)

	events := rec.snapshot()
	var lastSeq uint64
	var text strings.Builder
	var boundaries, audio []int
	for _, ev := range events {
		if ev.Seq <= lastSeq {
			t.Fatalf("sequence not strictly increasing: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		switch ev.Type {
		case protocol.EventTextDelta:
			text.WriteString(ev.Text)
		case protocol.EventSentenceBoundary:
			boundaries = append(boundaries, *ev.Index)
		case protocol.EventAudioChunk:
			audio = append(audio, *ev.Index)
		}
	}
	if text.String() != "Hello world. How are you today?" {
		t.Fatalf("text deltas lost content: %q", text.String())
	}
	if len(boundaries) != 2 || len(audio) != 2 {
		t.Fatalf("expected 2 boundaries and 2 audio chunks, got %v and %v", boundaries, audio)
	}
	for i, idx := range audio {
		if idx != i {
			t.Fatalf("audio out of order: %v", audio)
		}
	}
	if rec.last().State != StateCommitted {
		t.Fatalf("last event should be committed state, got %+v", rec.last())
	}

	msgs, err := st.ListMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "Hello world. How are you today?" {
		t.Fatalf("commit wrong: %+v", msgs)
	}
}

func TestCancelCommitsPartialWithMarker(t *testing.T) {
	gen := &scriptedGen{
		chunks: []string{"The answer ", "is forty-two. ", "But consider ", "the question."},
		pause:  make(chan struct{}),
	}
	e, st := newTestEngine(t, gen)
	rec := &recorder{}

	turn, err := e.StartTurn(Request{ConversationID: "conv-1", Text: "why"}, rec.emit)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	// Let two chunks through, then cancel.
	gen.pause <- struct{}{}
	gen.pause <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	turn.Cancel()
	waitDone(t, turn)

	last := rec.last()
	if last.Type != protocol.EventState || last.State != StateCancelled {
		t.Fatalf("last event must be the cancelled state, got %+v", last)
	}
	if turn.State() != StateCancelled {
		t.Fatalf("unexpected state %s", turn.State())
	}

	msgs, err := st.ListMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user and partial assistant message, got %d", len(msgs))
	}
	if !strings.HasSuffix(msgs[1].Content, CancelMarker) {
		t.Fatalf("partial text missing cancel marker: %q", msgs[1].Content)
	}
	if !strings.HasPrefix(msgs[1].Content, "The answer is forty-two. ") {
		t.Fatalf("partial text lost streamed tokens: %q", msgs[1].Content)
	}
}

func TestBackendFailureCommitsNothing(t *testing.T) {
	gen := &scriptedGen{failWith: errors.New("connection refused")}
	e, st := newTestEngine(t, gen)
	rec := &recorder{}

	turn, err := e.StartTurn(Request{ConversationID: "conv-1", Text: "hi"}, rec.emit)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitDone(t, turn)

	events := rec.snapshot()
	var sawError bool
	for _, ev := range events {
		if ev.Type == protocol.EventError && ev.ErrorKind == ErrKindBackendUnavailable {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("no backend_unavailable error event")
	}
	if rec.last().State != StateFailed {
		t.Fatalf("last event should be failed state, got %+v", rec.last())
	}
	if _, err := st.GetConversation(context.Background(), "conv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("failed turn must not create the conversation")
	}
}

func TestRejectedParameterRetriedOnce(t *testing.T) {
	gen := &scriptedGen{chunks: []string{"Fine."}, rejectOn: "top_p"}
	e, st := newTestEngine(t, gen)
	rec := &recorder{}

	turn, err := e.StartTurn(Request{ConversationID: "conv-1", Text: "hi"}, rec.emit)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitDone(t, turn)

	if rec.last().State != StateCommitted {
		t.Fatalf("retry should succeed, got %+v", rec.last())
	}
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.requests) != 2 {
		t.Fatalf("expected exactly one retry, saw %d requests", len(gen.requests))
	}
	if gen.requests[0].TopP == 0 {
		t.Fatal("first request should carry top_p")
	}
	if gen.requests[1].TopP != 0 {
		t.Fatal("retry should strip the rejected parameter")
	}
	if gen.requests[1].Temperature != gen.requests[0].Temperature {
		t.Fatal("retry should keep the other parameters")
	}

	msgs, _ := st.ListMessages(context.Background(), "conv-1")
	if len(msgs) != 2 {
		t.Fatalf("retried turn should commit, got %d messages", len(msgs))
	}
}

func TestSecondTurnConflicts(t *testing.T) {
	gen := &scriptedGen{chunks: []string{"slow"}, pause: make(chan struct{})}
	e, _ := newTestEngine(t, gen)
	rec := &recorder{}

	turn, err := e.StartTurn(Request{ConversationID: "conv-1", Text: "first"}, rec.emit)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if _, err := e.StartTurn(Request{ConversationID: "conv-1", Text: "second"}, rec.emit); !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// A different conversation is unaffected.
	other, err := e.StartTurn(Request{ConversationID: "conv-2", Text: "parallel"}, rec.emit)
	if err != nil {
		t.Fatalf("parallel conversation rejected: %v", err)
	}
	turn.Cancel()
	waitDone(t, turn)
	other.Cancel()
	waitDone(t, other)
}

func TestEmptySubmissionRejected(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedGen{})
	if _, err := e.StartTurn(Request{ConversationID: "conv-1", Text: "   "}, func(protocol.Event) {}); err == nil {
		t.Fatal("blank submission accepted")
	}
}

// busRecorder captures lifecycle publishes for journal-path assertions.
type busRecorder struct {
	mu       sync.Mutex
	subjects []string
	states   []string
}

func (b *busRecorder) Publish(subject string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	if st, ok := payload.(protocol.TurnState); ok {
		b.states = append(b.states, st.State)
	}
	return nil
}

func (b *busRecorder) snapshot() ([]string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subjects...), append([]string(nil), b.states...)
}

func TestLifecyclePublishedOnBus(t *testing.T) {
	bus := &busRecorder{}
	gen := &scriptedGen{chunks: []string{"All done. "}}
	cfg := config.Default()
	e, _ := newEngineWith(t, gen, synth.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels), bus)
	rec := &recorder{}

	turn, err := e.StartTurn(Request{ConversationID: "conv-bus", Text: "hello"}, rec.emit)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitDone(t, turn)

	subjects, states := bus.snapshot()
	if len(subjects) == 0 || subjects[0] != protocol.SubjectTurnStarted {
		t.Fatalf("first publish = %v, want %s", subjects, protocol.SubjectTurnStarted)
	}
	if subjects[len(subjects)-1] != protocol.SubjectTurnFinished {
		t.Fatalf("last publish = %s, want %s", subjects[len(subjects)-1], protocol.SubjectTurnFinished)
	}
	for _, want := range []string{StateAwaitingFirstToken, StateStreaming, StateFinalizing, StateCommitted} {
		found := false
		for _, s := range states {
			if s == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("state %q never published, got %v", want, states)
		}
	}
}

func TestUnicodeTitleTruncatedOnRuneBoundary(t *testing.T) {
	gen := &scriptedGen{chunks: []string{"Verstanden. "}}
	e, st := newTestEngine(t, gen)
	rec := &recorder{}

	text := strings.Repeat("größer ", 12)
	turn, err := e.StartTurn(Request{ConversationID: "conv-umlaut", Text: text}, rec.emit)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitDone(t, turn)

	conv, err := st.GetConversation(context.Background(), "conv-umlaut")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !utf8.ValidString(conv.Title) {
		t.Fatalf("title is not valid utf-8: %q", conv.Title)
	}
	if n := utf8.RuneCountInString(conv.Title); n != 48 {
		t.Fatalf("title runes = %d, want 48", n)
	}
	if !strings.HasPrefix(text, conv.Title) {
		t.Fatalf("title %q is not a prefix of the message", conv.Title)
	}
}

// gatedSynth blocks every synthesis call until released or cancelled.
type gatedSynth struct {
	release chan struct{}
}

func (g *gatedSynth) Synthesize(ctx context.Context, req synth.Request) (synth.Audio, error) {
	select {
	case <-g.release:
		return synth.Audio{PCM: []byte{1}, SampleRate: 16000, Channels: 1}, nil
	case <-ctx.Done():
		return synth.Audio{}, ctx.Err()
	}
}

func TestCancelDuringFinalizeWins(t *testing.T) {
	gen := &scriptedGen{chunks: []string{"Stay on the line. "}}
	gs := &gatedSynth{release: make(chan struct{})}
	e, st := newEngineWith(t, gen, gs, nil)
	rec := &recorder{}

	turn, err := e.StartTurn(Request{ConversationID: "conv-late-cancel", Text: "wait"}, rec.emit)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	// The stream ends quickly; synthesis holds the turn in finalizing.
	deadline := time.Now().Add(5 * time.Second)
	for {
		finalizing := false
		for _, ev := range rec.snapshot() {
			if ev.Type == protocol.EventState && ev.State == StateFinalizing {
				finalizing = true
			}
		}
		if finalizing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("turn never reached finalizing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !e.Cancel("conv-late-cancel") {
		t.Fatal("cancel found no active turn")
	}
	waitDone(t, turn)

	last := rec.last()
	if last.Type != protocol.EventState || last.State != StateCancelled {
		t.Fatalf("last event = %+v, want cancelled state", last)
	}
	msgs, err := st.ListMessages(context.Background(), "conv-late-cancel")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected committed partial, got %d messages", len(msgs))
	}
	reply := msgs[1].Content
	if !strings.HasPrefix(reply, "Stay on the line.") || !strings.HasSuffix(reply, CancelMarker) {
		t.Fatalf("unexpected cancelled reply %q", reply)
	}
}
