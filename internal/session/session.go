// Package session tracks each user's progress through a submitted text.
package session

import (
	"errors"
	"sync"
)

// UserID identifies the chat user owning a session.
type UserID int64

var (
	// ErrNoContent is returned when nothing has been submitted yet.
	ErrNoContent = errors.New("session has no content")
	// ErrBusy is returned while another part is being produced or delivered.
	ErrBusy = errors.New("session is busy")
	// ErrExhausted is returned once every part has been delivered.
	ErrExhausted = errors.New("all parts delivered")
)

// Ticket describes the part handed out by TryBeginNext.
type Ticket struct {
	Index      int
	Number     int
	Total      int
	Text       string
	Label      string
	Generation uint64
}

// Session is the per-user state machine. All fields are guarded by mu.
type Session struct {
	owner UserID

	mu         sync.Mutex
	segments   []string
	cursor     int
	label      string
	inFlight   bool
	generation uint64
}

func newSession(owner UserID) *Session {
	return &Session{owner: owner}
}

func (s *Session) Owner() UserID { return s.owner }

// Reset clears the session. A job still running against the previous
// generation will find its ticket stale on completion.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = nil
	s.cursor = 0
	s.label = ""
	s.inFlight = false
	s.generation++
}

// SetContent replaces the segment list and returns the new generation.
func (s *Session) SetContent(segments []string, label string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append([]string(nil), segments...)
	s.cursor = 0
	s.label = label
	s.inFlight = false
	s.generation++
	return s.generation
}

// TryBeginNext marks the session in flight and returns the part at the
// cursor. The cursor itself only moves in Complete.
func (s *Session) TryBeginNext() (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case len(s.segments) == 0:
		return Ticket{}, ErrNoContent
	case s.inFlight:
		return Ticket{}, ErrBusy
	case s.cursor >= len(s.segments):
		return Ticket{}, ErrExhausted
	}
	s.inFlight = true
	return Ticket{
		Index:      s.cursor,
		Number:     s.cursor + 1,
		Total:      len(s.segments),
		Text:       s.segments[s.cursor],
		Label:      s.label,
		Generation: s.generation,
	}, nil
}

// Complete releases the in-flight guard and advances the cursor on success.
// It reports false, leaving state untouched, when gen is stale.
func (s *Session) Complete(gen uint64, success bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.inFlight = false
	if success && s.cursor < len(s.segments) {
		s.cursor++
	}
	return true
}

// Resplit replaces the segment at index with pieces. Only the part at the
// cursor of the current generation may be replaced.
func (s *Session) Resplit(gen uint64, index int, pieces []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || index != s.cursor || index >= len(s.segments) || len(pieces) == 0 {
		return false
	}
	next := make([]string, 0, len(s.segments)+len(pieces)-1)
	next = append(next, s.segments[:index]...)
	next = append(next, pieces...)
	next = append(next, s.segments[index+1:]...)
	s.segments = next
	return true
}

// Current reports whether gen is still the live generation.
func (s *Session) Current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

func (s *Session) Progress() (cursor, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, len(s.segments)
}

func (s *Session) HasContent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments) > 0
}

func (s *Session) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Segments returns a copy of the current segment list.
func (s *Session) Segments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.segments...)
}
