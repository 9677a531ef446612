package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lanchego/internal/canteen"
	"lanchego/internal/hub"
	"lanchego/internal/protocol"
)

const (
	msgFollowReader   = "Siga as instruções no leitor"
	msgDuplicate      = "Digital já cadastrada no leitor"
	msgNotAdmin       = "Digital não pertence a um administrador"
	msgNotRecognised  = "Digital não reconhecida"
	msgCancelled      = "Operação cancelada"
	msgInternal       = "Erro interno ao processar a digital"
	msgEraseFailed    = "Falha ao apagar digital no leitor"
	msgClearAllFailed = "Falha ao limpar a memória do leitor"
)

type session struct {
	id       string
	kind     Kind
	state    State
	started  time.Time
	implicit bool

	// readerEpoch is the last connectivity change seen when the session began.
	readerEpoch uint64

	owner        *canteen.OwnerRef
	slot         int
	lastFeedback string

	ticket   string
	pending  []int
	current  int
	clearAll bool
	confirm  bool
	progress func(ProgressEvent)
}

func (c *Coordinator) newSession(kind Kind) *session {
	return &session{id: uuid.NewString(), kind: kind, started: time.Now(), current: -1, readerEpoch: c.readerEpoch()}
}

func (s *session) waiting() bool {
	return s.state == StateAwaitingAck || s.state == StateAwaitingCapture
}

func (s *session) deleting() bool {
	return s.kind == KindDeleteOne || s.kind == KindClearAll
}

func (s *session) info() SessionInfo {
	return SessionInfo{ID: s.id, Kind: s.kind, State: s.state}
}

func (s *session) emit(ev ProgressEvent) {
	if s.progress == nil {
		return
	}
	ev.TicketID = s.ticket
	s.progress(ev)
}

// startable clears a finished-but-held error session; any other active
// session makes the reader busy.
func (c *Coordinator) startable() error {
	if c.sess == nil {
		return nil
	}
	if c.sess.state == StateError {
		c.toIdle()
		return nil
	}
	return fmt.Errorf("%w: %s %s", ErrSessionBusy, c.sess.kind, c.sess.state)
}

func (c *Coordinator) readerUp() error {
	if c.relay.ReaderStatus() != protocol.StatusConnected {
		return ErrReaderOffline
	}
	return nil
}

// begin installs s and sends its first command.
func (c *Coordinator) begin(s *session, cmd protocol.HardwareCommand) error {
	cmd.SessionID = s.id
	if err := c.relay.SendAgent(cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrReaderOffline, err)
	}
	c.sess = s
	c.log.Info().Str("session_id", s.id).Str("kind", string(s.kind)).Str("command", cmd.Command).Msg("session started")
	c.setState(StateAwaitingAck)
	c.arm(c.cfg.HardwareTimeout, false)
	return nil
}

func (c *Coordinator) startEnroll(req EnrollRequest) (SessionInfo, error) {
	if err := c.startable(); err != nil {
		return SessionInfo{}, err
	}
	if req.Slot != 0 && req.Slot != 1 && req.Slot != 2 {
		return SessionInfo{}, ErrInvalidSlot
	}
	if err := c.readerUp(); err != nil {
		return SessionInfo{}, err
	}

	cmd := protocol.HardwareCommand{Command: protocol.CommandEnroll, Slot: req.Slot}
	if req.Owner != nil {
		owner := *req.Owner
		ctx, cancel := c.ctx()
		_, err := c.assoc.CanEnroll(ctx, owner)
		cancel()
		if err != nil {
			if errors.Is(err, canteen.ErrOwnerSlotLimitExceeded) {
				c.relay.Broadcast(hub.KindOperations, protocol.EnrollError{Message: "Limite de digitais atingido", Reason: protocol.ReasonSlotLimit})
			}
			return SessionInfo{}, err
		}
		id := owner.ID
		if owner.Kind == canteen.OwnerOperator {
			cmd.OperatorID = &id
		} else {
			cmd.StudentID = &id
		}
	}

	s := c.newSession(KindEnroll)
	s.owner = req.Owner
	s.slot = req.Slot
	if err := c.begin(s, cmd); err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

func (c *Coordinator) startIdentify() (SessionInfo, error) {
	if err := c.startable(); err != nil {
		return SessionInfo{}, err
	}
	if err := c.readerUp(); err != nil {
		return SessionInfo{}, err
	}
	s := c.newSession(KindIdentify)
	if err := c.begin(s, protocol.HardwareCommand{Command: protocol.CommandIdentify}); err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

func (c *Coordinator) startDelete(req DeleteRequest) (SessionInfo, error) {
	if err := c.startable(); err != nil {
		return SessionInfo{}, err
	}
	if !req.ClearAll && len(req.Slots) == 0 {
		return SessionInfo{}, ErrEmptyScope
	}
	if err := c.readerUp(); err != nil {
		return SessionInfo{}, err
	}

	kind := KindDeleteOne
	if req.ClearAll {
		kind = KindClearAll
	}
	s := c.newSession(kind)
	s.ticket = req.TicketID
	s.pending = append([]int(nil), req.Slots...)
	s.clearAll = req.ClearAll
	s.confirm = req.Confirm
	s.progress = req.Progress

	var err error
	if s.confirm {
		err = c.begin(s, protocol.HardwareCommand{Command: protocol.CommandIdentify})
	} else {
		err = c.beginErase(s)
	}
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

// beginErase installs s with its first erase command.
func (c *Coordinator) beginErase(s *session) error {
	if s.clearAll {
		return c.begin(s, protocol.HardwareCommand{Command: protocol.CommandClearAll})
	}
	s.current, s.pending = s.pending[0], s.pending[1:]
	sensor := s.current
	if err := c.begin(s, protocol.HardwareCommand{Command: protocol.CommandDelete, SensorID: &sensor}); err != nil {
		s.pending = append([]int{s.current}, s.pending...)
		s.current = -1
		return err
	}
	return nil
}

// eraseNext sends the next erase of the active delete session or finishes it.
func (c *Coordinator) eraseNext() {
	s := c.sess
	if !s.clearAll && len(s.pending) == 0 {
		s.emit(ProgressEvent{Step: StepDone, OK: true})
		c.finish("success")
		return
	}
	cmd := protocol.HardwareCommand{Command: protocol.CommandClearAll, SessionID: s.id}
	if !s.clearAll {
		s.current, s.pending = s.pending[0], s.pending[1:]
		sensor := s.current
		cmd = protocol.HardwareCommand{Command: protocol.CommandDelete, SessionID: s.id, SensorID: &sensor}
	}
	if err := c.relay.SendAgent(cmd); err != nil {
		c.log.Error().Err(err).Str("session_id", s.id).Msg("erase command not delivered")
		c.fail(protocol.ReasonConnectivityLost, "Leitor indisponível")
		return
	}
	c.setState(StateAwaitingAck)
	c.arm(c.cfg.HardwareTimeout, false)
}

func (c *Coordinator) cancel() error {
	s := c.sess
	if s == nil {
		return nil
	}
	if s.state != StateError {
		if err := c.relay.SendAgent(protocol.Cancel{}); err != nil {
			c.log.Debug().Err(err).Msg("cancel not delivered to agent")
		}
		c.fail(protocol.ReasonCancelled, msgCancelled)
	}
	c.toIdle()
	return nil
}

func (c *Coordinator) setState(st State) {
	s := c.sess
	snap := &Snapshot{State: st, Since: time.Now()}
	if s != nil {
		s.state = st
		snap.Kind = s.kind
		snap.SessionID = s.id
	}
	c.snap.Store(snap)
	c.relay.Broadcast(hub.KindOperations, snap.Message())
	c.log.Debug().Str("state", string(st)).Str("kind", string(snap.Kind)).Str("session_id", snap.SessionID).Msg("state changed")
}

func (c *Coordinator) toIdle() {
	c.stopTimer()
	c.sess = nil
	c.setState(StateIdle)
}

func (c *Coordinator) finish(outcome string) {
	s := c.sess
	c.metrics.SessionFinished(string(s.kind), outcome, time.Since(s.started).Seconds())
	c.log.Info().Str("session_id", s.id).Str("kind", string(s.kind)).Str("outcome", outcome).Msg("session finished")
	c.toIdle()
}

// fail reports the failure to every observer, moves to error and schedules
// the return to idle. Nothing is retried.
func (c *Coordinator) fail(reason, message string) {
	s := c.sess
	if s == nil {
		return
	}
	switch s.kind {
	case KindEnroll:
		c.relay.Broadcast(hub.KindOperations, protocol.EnrollError{Message: message, Reason: reason})
	case KindIdentify:
		c.relay.Broadcast(hub.KindOperations, protocol.IdentifyResult{Status: protocol.VerdictFailed, Reason: reason})
	case KindDeleteOne:
		if s.current >= 0 {
			s.emit(ProgressEvent{Step: StepSlot, SensorID: s.current, Reason: reason})
		}
		for _, sensor := range s.pending {
			s.emit(ProgressEvent{Step: StepSlot, SensorID: sensor, Reason: reason})
		}
		s.current, s.pending = -1, nil
		s.emit(ProgressEvent{Step: StepDone, Reason: reason})
	case KindClearAll:
		s.emit(ProgressEvent{Step: StepSlot, ClearAll: true, Reason: reason})
		s.emit(ProgressEvent{Step: StepDone, ClearAll: true, Reason: reason})
	}
	c.metrics.SessionFinished(string(s.kind), "error_"+reason, time.Since(s.started).Seconds())
	c.log.Warn().Str("session_id", s.id).Str("kind", string(s.kind)).Str("reason", reason).Str("message", message).Msg("session failed")
	c.setState(StateError)
	c.arm(c.cfg.ErrorHold, true)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, canteen.ErrOwnerSlotLimitExceeded):
		return protocol.ReasonSlotLimit
	case errors.Is(err, canteen.ErrSensorSlotAlreadyBound):
		return protocol.ReasonSlotBound
	case errors.Is(err, ErrSessionBusy):
		return protocol.ReasonSessionBusy
	case errors.Is(err, ErrReaderOffline):
		return protocol.ReasonConnectivityLost
	}
	return protocol.ReasonInternal
}

// ReasonFor maps a coordinator or association error to its wire reason.
func ReasonFor(err error) string { return reasonFor(err) }

func messageFor(err error) string {
	switch {
	case errors.Is(err, canteen.ErrOwnerSlotLimitExceeded):
		return "Limite de digitais atingido"
	case errors.Is(err, canteen.ErrSensorSlotAlreadyBound):
		return "Posição do leitor já associada a outra pessoa"
	case errors.Is(err, canteen.ErrNotFound):
		return "Pessoa não encontrada"
	}
	return msgInternal
}
