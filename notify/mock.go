package notify

import (
	"context"
	"sync"
)

// Mock records every alert it receives. Tests inspect Sent to assert that a
// job raised (or did not raise) an alert.
type Mock struct {
	mu   sync.Mutex
	Sent []MockAlert
	Err  error
}

type MockAlert struct {
	Title   string
	Message string
}

func (m *Mock) Send(_ context.Context, title, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, MockAlert{Title: title, Message: message})
	return m.Err
}

// Count returns the number of alerts delivered so far.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
