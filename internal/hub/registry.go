// Package hub tracks open websocket connections and the reader's
// connectivity, and fans messages out to them.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanchego/internal/metrics"
	"lanchego/internal/protocol"
)

var (
	ErrNoAgent        = errors.New("hardware agent not connected")
	ErrNoConnection   = errors.New("no connection of that kind")
	ErrSendBufferFull = errors.New("connection send buffer full")
)

// SnapshotFunc returns the messages a freshly registered operations
// connection should receive before any broadcast.
type SnapshotFunc func() []protocol.Message

// Registry is safe for concurrent use.
type Registry struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	sets   map[Kind]map[string]*Conn
	latest map[Kind]*Conn
	agent  *Conn

	// bmu keeps every subscriber seeing broadcasts in the same order
	bmu sync.Mutex

	readerMu   sync.Mutex
	reader     string
	lastSeen   time.Time
	staleReset bool

	hookMu   sync.RWMutex
	onReader []func(connected bool)
	snapshot SnapshotFunc
}

func NewRegistry(logger zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		log:     logger,
		metrics: m,
		sets: map[Kind]map[string]*Conn{
			KindLogin:      {},
			KindOperations: {},
			KindAgent:      {},
		},
		latest: map[Kind]*Conn{},
		reader: protocol.StatusDisconnected,
	}
}

// OnReaderChange registers fn to run whenever the reader goes up or down or
// the agent link drops. fn runs outside registry locks.
func (r *Registry) OnReaderChange(fn func(connected bool)) {
	r.hookMu.Lock()
	r.onReader = append(r.onReader, fn)
	r.hookMu.Unlock()
}

// SetSnapshot installs the provider used on operations registration.
func (r *Registry) SetSnapshot(fn SnapshotFunc) {
	r.hookMu.Lock()
	r.snapshot = fn
	r.hookMu.Unlock()
}

// Register adds c to its kind's set. Registering twice is a no-op. A new
// agent link replaces the previous one.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	set := r.sets[c.Kind]
	if set == nil {
		r.mu.Unlock()
		r.log.Warn().Str("kind", string(c.Kind)).Msg("register with unknown kind")
		return
	}
	if _, ok := set[c.ID]; ok {
		r.mu.Unlock()
		return
	}
	set[c.ID] = c
	r.latest[c.Kind] = c
	var replaced *Conn
	if c.Kind == KindAgent {
		replaced = r.agent
		r.agent = c
	}
	r.mu.Unlock()

	r.metrics.ConnectionOpened(string(c.Kind))
	r.log.Info().Str("conn_id", c.ID).Str("kind", string(c.Kind)).Str("subject", c.Subject).Msg("connection registered")

	if replaced != nil {
		r.log.Warn().Str("old_conn", replaced.ID).Msg("agent link replaced")
		r.drop(replaced)
	}
	if c.Kind == KindAgent {
		r.readerMu.Lock()
		r.lastSeen = time.Now()
		r.readerMu.Unlock()
	}
	if c.Kind == KindOperations {
		r.pushSnapshot(c)
	}
}

func (r *Registry) pushSnapshot(c *Conn) {
	msgs := []protocol.Message{protocol.ReaderStatus{Status: r.ReaderStatus()}}
	r.hookMu.RLock()
	snap := r.snapshot
	r.hookMu.RUnlock()
	if snap != nil {
		msgs = append(msgs, snap()...)
	}
	for _, m := range msgs {
		if err := r.SendTo(c, m); err != nil {
			r.log.Warn().Err(err).Str("conn_id", c.ID).Msg("snapshot not delivered")
			return
		}
	}
}

// Unregister removes c. Losing the agent link marks the reader disconnected.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	set := r.sets[c.Kind]
	_, ok := set[c.ID]
	if ok {
		delete(set, c.ID)
		if r.latest[c.Kind] == c {
			delete(r.latest, c.Kind)
			for _, other := range set {
				if r.latest[c.Kind] == nil || other.OpenedAt.After(r.latest[c.Kind].OpenedAt) {
					r.latest[c.Kind] = other
				}
			}
		}
	}
	wasAgent := ok && r.agent == c
	if wasAgent {
		r.agent = nil
	}
	r.mu.Unlock()

	c.close()
	if !ok {
		return
	}
	r.metrics.ConnectionClosed(string(c.Kind))
	r.log.Info().Str("conn_id", c.ID).Str("kind", string(c.Kind)).Msg("connection unregistered")

	if wasAgent {
		r.setReader(protocol.StatusDisconnected, false)
		r.notifyReader(false)
	}
}

func (r *Registry) drop(c *Conn) {
	r.metrics.Dropped(string(c.Kind))
	r.log.Warn().Str("conn_id", c.ID).Str("kind", string(c.Kind)).Msg("dropping connection")
	r.Unregister(c)
}

// Broadcast delivers m to every live connection of kind and returns how many
// accepted it. Connections that cannot take the message are dropped.
func (r *Registry) Broadcast(kind Kind, m protocol.Message) int {
	payload, err := protocol.Encode(m)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(m.Kind())).Msg("broadcast encode failed")
		return 0
	}

	r.bmu.Lock()
	r.mu.RLock()
	var failed []*Conn
	delivered := 0
	for _, c := range r.sets[kind] {
		if c.enqueue(payload) {
			delivered++
		} else {
			failed = append(failed, c)
		}
	}
	r.mu.RUnlock()
	r.bmu.Unlock()

	r.metrics.Broadcast(string(kind), string(m.Kind()))
	for _, c := range failed {
		r.drop(c)
	}
	return delivered
}

// SendTo unicasts m to c.
func (r *Registry) SendTo(c *Conn, m protocol.Message) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if !c.enqueue(payload) {
		r.drop(c)
		return ErrSendBufferFull
	}
	return nil
}

// SendLatest unicasts m to the most recently opened connection of kind.
func (r *Registry) SendLatest(kind Kind, m protocol.Message) error {
	r.mu.RLock()
	c := r.latest[kind]
	r.mu.RUnlock()
	if c == nil {
		return ErrNoConnection
	}
	return r.SendTo(c, m)
}

// SendAgent writes m to the hardware agent link.
func (r *Registry) SendAgent(m protocol.Message) error {
	r.mu.RLock()
	c := r.agent
	r.mu.RUnlock()
	if c == nil {
		return ErrNoAgent
	}
	return r.SendTo(c, m)
}

// AgentConnected reports whether an agent link is registered.
func (r *Registry) AgentConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agent != nil
}

// Count returns the number of connections of kind.
func (r *Registry) Count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets[kind])
}

// ReaderStatus returns conectado or desconectado.
func (r *Registry) ReaderStatus() string {
	r.readerMu.Lock()
	defer r.readerMu.Unlock()
	return r.reader
}

// SetReaderStatus applies a status.leitor report from the agent.
func (r *Registry) SetReaderStatus(status string) {
	if status != protocol.StatusConnected && status != protocol.StatusDisconnected {
		r.log.Warn().Str("status", status).Msg("ignoring unknown reader status")
		return
	}
	r.readerMu.Lock()
	r.lastSeen = time.Now()
	r.readerMu.Unlock()
	if r.setReader(status, false) {
		r.notifyReader(status == protocol.StatusConnected)
	}
}

// Heartbeat records agent liveness. A reader marked down by a missed
// heartbeat comes back up on the next one.
func (r *Registry) Heartbeat() {
	r.readerMu.Lock()
	r.lastSeen = time.Now()
	restore := r.staleReset
	r.readerMu.Unlock()
	if restore && r.setReader(protocol.StatusConnected, false) {
		r.notifyReader(true)
	}
}

// Watch marks the reader disconnected when the agent stays silent for
// longer than timeout. It returns when ctx is done.
func (r *Registry) Watch(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	tick := time.NewTicker(timeout / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			if !r.AgentConnected() {
				continue
			}
			r.readerMu.Lock()
			stale := r.reader == protocol.StatusConnected && now.Sub(r.lastSeen) > timeout
			r.readerMu.Unlock()
			if stale && r.setReader(protocol.StatusDisconnected, true) {
				r.log.Warn().Dur("timeout", timeout).Msg("agent heartbeat missed")
				r.notifyReader(false)
			}
		}
	}
}

// setReader updates the status and broadcasts on change.
func (r *Registry) setReader(status string, stale bool) bool {
	r.readerMu.Lock()
	if r.reader == status {
		r.readerMu.Unlock()
		return false
	}
	r.reader = status
	r.staleReset = stale
	r.readerMu.Unlock()

	r.metrics.Reader(status == protocol.StatusConnected)
	r.log.Info().Str("status", status).Msg("reader status changed")
	r.Broadcast(KindOperations, protocol.ReaderStatus{Status: status})
	return true
}

func (r *Registry) notifyReader(connected bool) {
	r.hookMu.RLock()
	hooks := append([]func(bool){}, r.onReader...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(connected)
	}
}
