// Package coordinator owns the fingerprint reader. A single goroutine runs
// every hardware session, so at most one session is ever active; callers talk
// to it only through its inbox.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lanchego/internal/canteen"
	"lanchego/internal/hub"
	"lanchego/internal/metrics"
	"lanchego/internal/protocol"
)

var (
	ErrSessionBusy   = errors.New("reader busy with another session")
	ErrReaderOffline = errors.New("reader offline")
	ErrStopped       = errors.New("coordinator stopped")
	ErrInvalidSlot   = errors.New("enrollment slot must be 1 or 2")
	ErrEmptyScope    = errors.New("nothing to delete")
)

type State string

const (
	StateIdle            State = "idle"
	StateAwaitingAck     State = "awaiting_command_ack"
	StateAwaitingCapture State = "awaiting_capture"
	StateAssociating     State = "associating"
	StateAuthorizing     State = "authorizing"
	StateDeleting        State = "deleting"
	StateError           State = "error"
)

type Kind string

const (
	KindEnroll    Kind = "ENROLL"
	KindIdentify  Kind = "IDENTIFY"
	KindDeleteOne Kind = "DELETE_ONE"
	KindClearAll  Kind = "DELETE_CLEAR_ALL"
)

// Relay is the coordinator's view of the connection registry.
type Relay interface {
	SendAgent(m protocol.Message) error
	Broadcast(kind hub.Kind, m protocol.Message) int
	SendLatest(kind hub.Kind, m protocol.Message) error
	ReaderStatus() string
}

type Associator interface {
	CanEnroll(ctx context.Context, owner canteen.OwnerRef) (int, error)
	Associate(ctx context.Context, sensorID int, owner canteen.OwnerRef) (canteen.Fingerprint, int, error)
	Release(ctx context.Context, sensorID int) error
	ClearAll(ctx context.Context) (int64, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, sensorID int) (canteen.Verdict, error)
	Recent(ctx context.Context) ([]protocol.WithdrawalView, error)
}

type Operators interface {
	OperatorForSensor(ctx context.Context, sensorID int) (canteen.Operator, error)
}

// TokenIssuer mints the JWT pair handed out on biometric operator login.
type TokenIssuer interface {
	IssueFor(ctx context.Context, op canteen.Operator) (access, refresh string, err error)
}

type Config struct {
	// HardwareTimeout bounds the silence tolerated from the agent while a
	// session waits on it.
	HardwareTimeout time.Duration
	// ErrorHold is how long a failed session stays in error before idle.
	ErrorHold time.Duration
	// CallTimeout bounds each persistence call made while handling events.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HardwareTimeout <= 0 {
		c.HardwareTimeout = 15 * time.Second
	}
	if c.ErrorHold <= 0 {
		c.ErrorHold = 3 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	return c
}

type Deps struct {
	Relay        Relay
	Associations Associator
	Authorizer   Authorizer
	Operators    Operators
	Tokens       TokenIssuer
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
}

// EnrollRequest starts a capture. Owner may be nil, in which case the
// client associates the returned slot itself.
type EnrollRequest struct {
	Owner *canteen.OwnerRef
	Slot  int
}

// Step tags a delete progress event.
type Step int

const (
	StepConfirmed Step = iota + 1
	StepSlot
	StepDone
)

// ProgressEvent reports a delete session's progress. It is delivered on
// the coordinator goroutine, so handlers must not block.
type ProgressEvent struct {
	TicketID string
	Step     Step
	SensorID int
	ClearAll bool
	OK       bool
	Reason   string
}

// DeleteRequest erases Slots one by one, or the whole reader when ClearAll
// is set. With Confirm the session first captures a finger and proceeds
// only if it belongs to an admin operator.
type DeleteRequest struct {
	TicketID string
	Slots    []int
	ClearAll bool
	Confirm  bool
	Progress func(ProgressEvent)
}

// SessionInfo describes a session accepted by the coordinator.
type SessionInfo struct {
	ID    string `json:"session_id"`
	Kind  Kind   `json:"kind"`
	State State  `json:"state"`
}

// Snapshot is the externally visible coordinator state.
type Snapshot struct {
	State     State     `json:"state"`
	Kind      Kind      `json:"kind,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
}

// Message renders the snapshot as coordinator.state.
func (s Snapshot) Message() protocol.CoordinatorState {
	return protocol.CoordinatorState{State: string(s.State), SessionKind: string(s.Kind), SessionID: s.SessionID}
}

type Coordinator struct {
	cfg     Config
	relay   Relay
	assoc   Associator
	authz   Authorizer
	ops     Operators
	tokens  TokenIssuer
	metrics *metrics.Metrics
	log     zerolog.Logger

	inbox chan any
	done  chan struct{}
	snap  atomic.Pointer[Snapshot]

	// reader connectivity changes, kept in arrival order
	readerMu      sync.Mutex
	readerSeq     uint64
	readerPending []readerEvent
	readerSignal  chan struct{}

	// owned by the Run goroutine
	runCtx context.Context
	sess   *session
	timer  *time.Timer
	gen    uint64
}

func New(cfg Config, deps Deps) *Coordinator {
	c := &Coordinator{
		cfg:     cfg.withDefaults(),
		relay:   deps.Relay,
		assoc:   deps.Associations,
		authz:   deps.Authorizer,
		ops:     deps.Operators,
		tokens:  deps.Tokens,
		metrics: deps.Metrics,
		log:     deps.Log,
		inbox:   make(chan any, 256),
		done:    make(chan struct{}),

		readerSignal: make(chan struct{}, 1),
	}
	c.snap.Store(&Snapshot{State: StateIdle, Since: time.Now()})
	return c
}

type result struct {
	info SessionInfo
	err  error
}

type (
	startEnroll struct {
		req   EnrollRequest
		reply chan result
	}
	startIdentify struct {
		reply chan result
	}
	startDelete struct {
		req   DeleteRequest
		reply chan result
	}
	cancelRequest struct {
		reply chan result
	}
	agentEvent struct {
		msg protocol.Message
	}
	readerEvent struct {
		connected bool
		seq       uint64
	}
	timerEvent struct {
		gen  uint64
		hold bool
	}
)

// Run processes the inbox until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	c.log.Info().Dur("hardware_timeout", c.cfg.HardwareTimeout).Dur("error_hold", c.cfg.ErrorHold).Msg("coordinator started")
	for {
		select {
		case <-ctx.Done():
			if c.sess != nil && c.sess.state != StateError {
				c.fail(protocol.ReasonCancelled, "Servidor encerrando")
			}
			c.stopTimer()
			c.log.Info().Msg("coordinator stopped")
			return ctx.Err()
		case <-c.readerSignal:
			c.drainReader()
		case ev := <-c.inbox:
			// connectivity changes observed before ev are applied first
			c.drainReader()
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev any) {
	switch ev := ev.(type) {
	case startEnroll:
		info, err := c.startEnroll(ev.req)
		ev.reply <- result{info, err}
	case startIdentify:
		info, err := c.startIdentify()
		ev.reply <- result{info, err}
	case startDelete:
		info, err := c.startDelete(ev.req)
		ev.reply <- result{info, err}
	case cancelRequest:
		ev.reply <- result{err: c.cancel()}
	case agentEvent:
		c.onAgent(ev.msg)
	case timerEvent:
		c.onTimer(ev)
	default:
		c.log.Error().Str("event", fmt.Sprintf("%T", ev)).Msg("unknown coordinator event")
	}
}

func (c *Coordinator) post(ev any) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) call(ctx context.Context, ev any, reply chan result) (SessionInfo, error) {
	select {
	case c.inbox <- ev:
	case <-ctx.Done():
		return SessionInfo{}, ctx.Err()
	case <-c.done:
		return SessionInfo{}, ErrStopped
	}
	select {
	case r := <-reply:
		return r.info, r.err
	case <-ctx.Done():
		return SessionInfo{}, ctx.Err()
	case <-c.done:
		return SessionInfo{}, ErrStopped
	}
}

// StartEnroll begins an enrollment capture.
func (c *Coordinator) StartEnroll(ctx context.Context, req EnrollRequest) (SessionInfo, error) {
	reply := make(chan result, 1)
	return c.call(ctx, startEnroll{req: req, reply: reply}, reply)
}

// StartIdentify asks the reader for one identification capture.
func (c *Coordinator) StartIdentify(ctx context.Context) (SessionInfo, error) {
	reply := make(chan result, 1)
	return c.call(ctx, startIdentify{reply: reply}, reply)
}

// StartDelete begins a delete or clear-all session.
func (c *Coordinator) StartDelete(ctx context.Context, req DeleteRequest) (SessionInfo, error) {
	reply := make(chan result, 1)
	return c.call(ctx, startDelete{req: req, reply: reply}, reply)
}

// Cancel aborts the active session. It is a no-op when idle.
func (c *Coordinator) Cancel(ctx context.Context) error {
	reply := make(chan result, 1)
	_, err := c.call(ctx, cancelRequest{reply: reply}, reply)
	return err
}

// HandleAgent queues a message received from the hardware agent. Messages
// are processed in the order HandleAgent is called.
func (c *Coordinator) HandleAgent(m protocol.Message) {
	c.post(agentEvent{msg: m})
}

// ReaderChanged is the registry hook for reader connectivity changes. It
// never blocks, so the registry may call it from inside a relay call made by
// the coordinator itself. Changes are applied in call order.
func (c *Coordinator) ReaderChanged(connected bool) {
	c.readerMu.Lock()
	c.readerSeq++
	c.readerPending = append(c.readerPending, readerEvent{connected: connected, seq: c.readerSeq})
	c.readerMu.Unlock()
	select {
	case c.readerSignal <- struct{}{}:
	default:
	}
}

// readerEpoch is the sequence number of the latest connectivity change.
func (c *Coordinator) readerEpoch() uint64 {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()
	return c.readerSeq
}

func (c *Coordinator) drainReader() {
	c.readerMu.Lock()
	pending := c.readerPending
	c.readerPending = nil
	c.readerMu.Unlock()
	for _, ev := range pending {
		c.onReader(ev)
	}
}

// Snapshot returns the current state without going through the inbox.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snap.Load()
}

// SnapshotMessages is what a new operations connection must see first: the
// session state and the recent-withdrawals feed. It fits hub.SnapshotFunc.
func (c *Coordinator) SnapshotMessages() []protocol.Message {
	msgs := []protocol.Message{c.Snapshot().Message()}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	recent, err := c.authz.Recent(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("recent withdrawals unavailable for snapshot")
		return msgs
	}
	if recent == nil {
		recent = []protocol.WithdrawalView{}
	}
	return append(msgs, protocol.RecentWithdrawals{Entries: recent})
}

func (c *Coordinator) ctx() (context.Context, context.CancelFunc) {
	parent := c.runCtx
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, c.cfg.CallTimeout)
}

func (c *Coordinator) arm(d time.Duration, hold bool) {
	c.stopTimer()
	gen := c.gen
	c.timer = time.AfterFunc(d, func() { c.post(timerEvent{gen: gen, hold: hold}) })
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (c *Coordinator) onTimer(ev timerEvent) {
	if ev.gen != c.gen || c.sess == nil {
		return
	}
	c.timer = nil
	if ev.hold {
		if c.sess.state == StateError {
			c.toIdle()
		}
		return
	}
	c.log.Warn().Str("session_id", c.sess.id).Str("kind", string(c.sess.kind)).Str("state", string(c.sess.state)).
		Dur("timeout", c.cfg.HardwareTimeout).Msg("hardware silent, failing session")
	c.fail(protocol.ReasonConnectivityLost, "O leitor não respondeu")
}

func (c *Coordinator) onReader(ev readerEvent) {
	if ev.connected || c.sess == nil || c.sess.state == StateError {
		return
	}
	if ev.seq <= c.sess.readerEpoch {
		c.log.Debug().Str("session_id", c.sess.id).Uint64("seq", ev.seq).Msg("reader drop predates session, ignored")
		return
	}
	c.log.Warn().Str("session_id", c.sess.id).Str("kind", string(c.sess.kind)).Msg("reader lost mid-session")
	c.fail(protocol.ReasonConnectivityLost, "Conexão com o leitor perdida")
}
