// Package turn runs the per-conversation generation state machine: it
// consumes model tokens, segments them into sentences, schedules synthesis
// and pushes ordered events to the client.
package turn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voxlabs/voxconsole/internal/protocol"
)

// Turn states.
const (
	StateIdle               = "idle"
	StateAwaitingFirstToken = "awaiting_first_token"
	StateStreaming          = "streaming"
	StateFinalizing         = "finalizing"
	StateCommitted          = "committed"
	StateCancelled          = "cancelled"
	StateFailed             = "failed"
)

// CancelMarker is appended to partial assistant text when a turn is
// cancelled, so reloaded history shows where generation stopped.
const CancelMarker = " [interrupted]"

// Error kinds surfaced on the event channel.
const (
	ErrKindBackendUnavailable  = "backend_unavailable"
	ErrKindModelRejectedParams = "model_rejected_parameters"
	ErrKindGeneration          = "generation_error"
)

// EmitFunc delivers one event to the client. The engine calls it from a
// single logical stream per turn; implementations only need to be safe for
// sequential use.
type EmitFunc func(protocol.Event)

// Turn is one in-flight generation. It is created by Engine.StartTurn and
// discarded once a terminal state is reached.
type Turn struct {
	ID             string
	ConversationID string

	ctx    context.Context
	cancel context.CancelFunc

	// cancelled distinguishes user cancellation from internal teardown.
	cancelled atomic.Bool
	// muted suppresses ordinary events while a terminal transition is in
	// progress. Nothing may reach the client after the terminal state event.
	muted    atomic.Bool
	terminal atomic.Bool

	seq  atomic.Uint64
	emit EmitFunc
	mu   sync.Mutex

	state   string
	stateMu sync.Mutex

	done chan struct{}
}

// Cancel requests cooperative cancellation. Every activity of the turn
// checks the flag at its next suspension point.
func (t *Turn) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Done closes when the turn reaches a terminal state.
func (t *Turn) Done() <-chan struct{} { return t.done }

// State reports the current state.
func (t *Turn) State() string {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *Turn) setState(s string) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// send assigns the next sequence number and delivers the event. The mutex
// makes seq assignment and delivery one atomic step so the client never
// observes reordered sequence numbers.
func (t *Turn) send(ev protocol.Event) {
	if t.muted.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.muted.Load() {
		return
	}
	ev.Seq = t.seq.Add(1)
	ev.TurnID = t.ID
	ev.ConversationID = t.ConversationID
	t.emit(ev)
}

// sendTerminal delivers the final state event exactly once and mutes the
// turn so nothing can follow it. It bypasses the mute flag because a turn
// may mute itself while settling in-flight synthesis.
func (t *Turn) sendTerminal(state string) {
	if !t.terminal.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted.Store(true)
	t.emit(protocol.Event{
		Seq:            t.seq.Add(1),
		TurnID:         t.ID,
		ConversationID: t.ConversationID,
		Type:           protocol.EventState,
		State:          state,
	})
}
