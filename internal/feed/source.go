package feed

import (
	"context"
	"strings"
)

// Source is the boundary a live connector or playback reader implements.
// A source maintains at most one subscription (one active symbol at a time).
type Source interface {
	Run(ctx context.Context, onStatus func(connected bool))
	Subscribe(symbol string) error
	Unsubscribe()
	Events() <-chan Event
	Errors() <-chan error
	Close()
}

// MockSource is a channel-backed Source for tests and demos.
type MockSource struct {
	events    chan Event
	errors    chan error
	connected bool
	symbol    string
	cancel    context.CancelFunc
}

func NewMockSource() *MockSource {
	return &MockSource{
		events:    make(chan Event, 64),
		errors:    make(chan error, 16),
		connected: true,
	}
}

func (m *MockSource) Run(ctx context.Context, onStatus func(connected bool)) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		onStatus(m.connected)
		<-ctx.Done()
	}()
}

func (m *MockSource) Subscribe(symbol string) error {
	m.symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return nil
}

func (m *MockSource) Unsubscribe()           { m.symbol = "" }
func (m *MockSource) Events() <-chan Event   { return m.events }
func (m *MockSource) Errors() <-chan error   { return m.errors }
func (m *MockSource) Symbol() string         { return m.symbol }
func (m *MockSource) Send(ev Event)          { m.events <- ev }
func (m *MockSource) SendError(err error)    { m.errors <- err }
func (m *MockSource) SetConnected(v bool)    { m.connected = v }

func (m *MockSource) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	close(m.events)
	close(m.errors)
}
