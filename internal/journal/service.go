package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/voxlabs/voxconsole/internal/bus"
	"github.com/voxlabs/voxconsole/internal/protocol"
)

// Service subscribes to the turn lifecycle subjects and persists what it
// sees. It never blocks a turn: writes happen on the subscriber goroutine
// with their own timeout.
type Service struct {
	store  *Store
	bus    *bus.Client
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

func NewService(parent context.Context, store *Store, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		store:  store,
		bus:    busClient,
		log:    log.With(slog.String("component", "journal")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectTurnWildcard, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.bus == nil || s.ready
}

// Store exposes the underlying journal for read endpoints.
func (s *Service) Store() *Store { return s.store }

func (s *Service) handle(subject string, data []byte) {
	var header struct {
		TurnID         string `json:"turn_id"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(data, &header); err != nil || header.TurnID == "" {
		s.log.Warn("dropping malformed turn event", slog.String("subject", subject))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()

	if err := s.store.EnsureTurn(ctx, header.TurnID, header.ConversationID); err != nil {
		s.log.Warn("journal turn upsert failed", slog.String("error", err.Error()))
		return
	}
	if err := s.store.Append(ctx, Entry{TurnID: header.TurnID, Subject: subject, Payload: data}); err != nil {
		s.log.Warn("journal append failed", slog.String("error", err.Error()))
	}
}
