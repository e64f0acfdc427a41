package manager

import (
	"sync"
	"testing"

	"github.com/artemis/device-manager/internal/observability"
)

// fakeConn is the Conn test double every *_test.go file in this package
// shares: a send recorder standing in for the websocket transport.
type fakeConn struct {
	mu     sync.Mutex
	sent   []sentMessage
	closed bool
	failOn string // event name that Send should fail on, once
}

type sentMessage struct {
	event   string
	payload any
}

func newFakeConn() *fakeConn {
	return &fakeConn{}
}

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != "" && event == c.failOn {
		c.failOn = ""
		return errConnSendFailed
	}
	c.sent = append(c.sent, sentMessage{event: event, payload: payload})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.event
	}
	return out
}

func (c *fakeConn) last() (sentMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return sentMessage{}, false
	}
	return c.sent[len(c.sent)-1], true
}

type sendFailedError struct{}

func (sendFailedError) Error() string { return "fake conn: send failed" }

var errConnSendFailed error = sendFailedError{}

func newTestLogger(t *testing.T) *observability.Logger {
	t.Helper()
	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return logger
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics()
}
