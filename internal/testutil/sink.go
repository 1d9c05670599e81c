package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// Sink records what reaches the transport and how often. It satisfies
// replay.Sink.
type Sink struct {
	*httptest.ResponseRecorder

	mu           sync.Mutex
	headerWrites int
	writes       int
	// Err, when set, is returned by every Write (simulating a dead peer).
	Err error
}

func NewSink() *Sink {
	return &Sink{ResponseRecorder: httptest.NewRecorder()}
}

func (s *Sink) WriteHeader(status int) {
	s.mu.Lock()
	s.headerWrites++
	s.mu.Unlock()
	s.ResponseRecorder.WriteHeader(status)
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.writes++
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.ResponseRecorder.Write(p)
}

// HeaderWrites returns how many times WriteHeader was called.
func (s *Sink) HeaderWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerWrites
}

// Writes returns how many times Write was called.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Header implements replay.Sink.
func (s *Sink) Header() http.Header {
	return s.ResponseRecorder.Header()
}
