// Package attach holds uploaded file payloads in memory until a turn
// consumes them. Payloads never touch disk, so a restart or disconnect
// leaves nothing behind.
package attach

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// allowedExtensions lists the upload types the encoder accepts.
var allowedExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true,
	"pdf": true, "webp": true, "heic": true, "avif": true,
}

// Allowed reports whether a filename has an accepted extension.
func Allowed(filename string) bool {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 {
		return false
	}
	return allowedExtensions[strings.ToLower(filename[idx+1:])]
}

// Encoder converts an uploaded file into one or more base64 images. A PDF
// expands to one image per page; everything else passes through as a single
// payload.
type Encoder interface {
	Encode(filename string, data []byte) ([]string, error)
}

// Store keeps encoded attachments keyed by id, with ownership tracked per
// websocket connection so a disconnect wipes everything that connection
// uploaded.
type Store struct {
	mu     sync.Mutex
	items  map[string][]string
	owners map[string][]string
	log    *slog.Logger
}

func NewStore(log *slog.Logger) *Store {
	return &Store{
		items:  make(map[string][]string),
		owners: make(map[string][]string),
		log:    log,
	}
}

// Put registers encoded payloads under a fresh id owned by connID.
func (s *Store) Put(connID string, images []string) string {
	id := fmt.Sprintf("%s_%s", connID, uuid.NewString())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = images
	s.owners[connID] = append(s.owners[connID], id)
	return id
}

// Take returns and removes the payloads for an attachment id. The transport
// consumes attachments when it starts the turn that references them, so an
// id cannot be replayed on a later submission.
func (s *Store) Take(id string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	images, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	return images, ok
}

// ReleaseConnection drops every attachment the connection still owns.
func (s *Store) ReleaseConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.owners[connID]
	delete(s.owners, connID)
	for _, id := range ids {
		if _, ok := s.items[id]; ok {
			delete(s.items, id)
			s.log.Debug("released attachment on disconnect", slog.String("attachment_id", id))
		}
	}
}

// Len reports how many attachments are held. Used by tests and health
// reporting.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
