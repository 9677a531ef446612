package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind partitions connections into broadcast groups.
type Kind string

const (
	// KindLogin carries per-attempt biometric login results.
	KindLogin Kind = "login"
	// KindOperations is the dashboard broadcast group.
	KindOperations Kind = "operations"
	// KindAgent is the hardware agent's control link.
	KindAgent Kind = "agent"
)

func (k Kind) Valid() bool {
	return k == KindLogin || k == KindOperations || k == KindAgent
}

const defaultSendBuffer = 64

// Conn is one registered socket. Writes go through a buffered channel
// drained by the socket's write pump, so a slow peer never blocks a sender.
type Conn struct {
	ID       string
	Kind     Kind
	Subject  string
	OpenedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates an unregistered connection handle.
func NewConn(kind Kind, subject string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Conn{
		ID:       uuid.NewString(),
		Kind:     kind,
		Subject:  subject,
		OpenedAt: time.Now(),
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Outbox is drained by the write pump.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed once the connection is dropped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection was dropped.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(payload []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
