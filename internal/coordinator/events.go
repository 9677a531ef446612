package coordinator

import (
	"errors"

	"lanchego/internal/canteen"
	"lanchego/internal/hub"
	"lanchego/internal/protocol"
)

func (c *Coordinator) onAgent(m protocol.Message) {
	switch m := m.(type) {
	case protocol.HardwareAck:
		c.onAck(m)
	case protocol.EnrollFeedback:
		c.onFeedback(m)
	case protocol.EnrollSuccess:
		c.onEnrollSuccess(m)
	case protocol.EnrollError:
		c.onEnrollError(m)
	case protocol.IdentifyMatch:
		c.onMatch(m)
	case protocol.IdentifyNoMatch:
		c.onNoMatch()
	case protocol.DeleteResult:
		c.onDeleteResult(m)
	case protocol.ClearAllResult:
		c.onClearAllResult(m)
	case protocol.OperatorLogin:
		c.onOperatorLogin(m)
	default:
		c.log.Warn().Str("type", string(m.Kind())).Msg("agent message not handled by coordinator")
	}
}

func (c *Coordinator) stale(m protocol.Message) {
	ev := c.log.Debug().Str("type", string(m.Kind()))
	if c.sess != nil {
		ev = ev.Str("session_id", c.sess.id).Str("state", string(c.sess.state))
	}
	ev.Msg("ignoring out-of-session hardware message")
}

// acknowledge moves a session waiting for the ack into capture. Any
// hardware result for the session counts as an implicit ack.
func (c *Coordinator) acknowledge() {
	s := c.sess
	if s.state != StateAwaitingAck {
		return
	}
	c.setState(StateAwaitingCapture)
	if s.kind == KindEnroll {
		s.lastFeedback = msgFollowReader
		c.relay.Broadcast(hub.KindOperations, protocol.EnrollFeedback{Message: msgFollowReader})
	}
}

func (c *Coordinator) onAck(m protocol.HardwareAck) {
	s := c.sess
	if s == nil || s.state != StateAwaitingAck || (m.SessionID != "" && m.SessionID != s.id) {
		c.stale(m)
		return
	}
	c.acknowledge()
	c.arm(c.cfg.HardwareTimeout, false)
}

func (c *Coordinator) onFeedback(m protocol.EnrollFeedback) {
	s := c.sess
	if s == nil || s.kind != KindEnroll || !s.waiting() {
		c.stale(m)
		return
	}
	c.acknowledge()
	s.lastFeedback = m.Message
	c.relay.Broadcast(hub.KindOperations, m)
	c.arm(c.cfg.HardwareTimeout, false)
}

func (c *Coordinator) onEnrollSuccess(m protocol.EnrollSuccess) {
	s := c.sess
	if s == nil || s.kind != KindEnroll || !s.waiting() {
		c.stale(m)
		return
	}
	c.acknowledge()

	if s.owner == nil {
		c.relay.Broadcast(hub.KindOperations, protocol.EnrollSuccess{SensorID: m.SensorID})
		c.finish("captured")
		return
	}

	c.setState(StateAssociating)
	ctx, cancel := c.ctx()
	_, count, err := c.assoc.Associate(ctx, m.SensorID, *s.owner)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Str("session_id", s.id).Int("sensor_id", m.SensorID).Str("owner", s.owner.String()).Msg("association failed")
		c.fail(reasonFor(err), messageFor(err))
		return
	}

	out := protocol.EnrollSuccess{SensorID: m.SensorID, Count: count}
	id := s.owner.ID
	if s.owner.Kind == canteen.OwnerOperator {
		out.OperatorID = &id
	} else {
		out.StudentID = &id
	}
	c.relay.Broadcast(hub.KindOperations, out)
	c.finish("success")
}

func (c *Coordinator) onEnrollError(m protocol.EnrollError) {
	s := c.sess
	if s == nil || !s.waiting() {
		c.stale(m)
		return
	}
	reason := m.Reason
	if reason != protocol.ReasonCaptureTimeout {
		reason = protocol.ReasonCaptureError
	}
	msg := m.Message
	if msg == "" {
		msg = "Falha na captura"
	}
	c.fail(reason, msg)
}

func (c *Coordinator) onMatch(m protocol.IdentifyMatch) {
	s := c.sess
	switch {
	case s == nil || s.state == StateError:
		// the reader identifies continuously while idle
		if err := c.startable(); err != nil {
			c.stale(m)
			return
		}
		s = c.newSession(KindIdentify)
		s.implicit = true
		c.sess = s
		c.authorize(m.SensorID)
	case !s.waiting():
		c.stale(m)
	case s.kind == KindIdentify:
		c.acknowledge()
		c.authorize(m.SensorID)
	case s.kind == KindEnroll:
		c.fail(protocol.ReasonCaptureError, msgDuplicate)
	case s.deleting() && s.confirm:
		c.acknowledge()
		c.confirmAdmin(m.SensorID)
	default:
		c.stale(m)
	}
}

func (c *Coordinator) authorize(sensorID int) {
	s := c.sess
	c.setState(StateAuthorizing)
	ctx, cancel := c.ctx()
	v, err := c.authz.Authorize(ctx, sensorID)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Str("session_id", s.id).Int("sensor_id", sensorID).Msg("authorization failed")
		c.fail(protocol.ReasonInternal, msgInternal)
		return
	}

	res := protocol.IdentifyResult{Status: v.Kind.Status()}
	if v.Student != nil {
		res.Student = v.Student.View()
	}
	c.metrics.Verdict(v.Kind.String())
	c.relay.Broadcast(hub.KindOperations, res)

	if v.Kind == canteen.Granted {
		ctx, cancel := c.ctx()
		recent, err := c.authz.Recent(ctx)
		cancel()
		if err != nil {
			c.log.Error().Err(err).Msg("recent withdrawals unavailable")
		} else {
			c.relay.Broadcast(hub.KindOperations, protocol.RecentWithdrawals{Entries: recent})
		}
	}
	c.log.Info().Str("session_id", s.id).Int("sensor_id", sensorID).Str("verdict", v.Kind.String()).Msg("identification finished")
	c.finish(v.Kind.String())
}

func (c *Coordinator) onNoMatch() {
	s := c.sess
	switch {
	case s == nil || s.state == StateError:
		c.metrics.Verdict(canteen.Unknown.String())
		c.relay.Broadcast(hub.KindOperations, protocol.IdentifyResult{Status: protocol.VerdictUnknown})
	case s.kind == KindIdentify && s.waiting():
		c.metrics.Verdict(canteen.Unknown.String())
		c.relay.Broadcast(hub.KindOperations, protocol.IdentifyResult{Status: protocol.VerdictUnknown})
		c.finish(canteen.Unknown.String())
	case s.deleting() && s.confirm && s.waiting():
		c.fail(protocol.ReasonUnauthorized, msgNotRecognised)
	case s.kind == KindEnroll && s.waiting():
		c.fail(protocol.ReasonCaptureError, msgNotRecognised)
	default:
		c.stale(protocol.IdentifyNoMatch{})
	}
}

func (c *Coordinator) confirmAdmin(sensorID int) {
	s := c.sess
	ctx, cancel := c.ctx()
	op, err := c.ops.OperatorForSensor(ctx, sensorID)
	cancel()
	if err != nil && !errors.Is(err, canteen.ErrNotFound) {
		c.log.Error().Err(err).Int("sensor_id", sensorID).Msg("operator lookup failed")
		c.fail(protocol.ReasonInternal, msgInternal)
		return
	}
	if err != nil || !op.IsAdmin {
		c.log.Warn().Str("session_id", s.id).Str("ticket_id", s.ticket).Int("sensor_id", sensorID).Msg("bulk action proof rejected")
		c.fail(protocol.ReasonUnauthorized, msgNotAdmin)
		return
	}
	c.log.Info().Str("session_id", s.id).Str("ticket_id", s.ticket).Int64("operator_id", op.ID).Msg("bulk action confirmed")
	s.confirm = false
	s.emit(ProgressEvent{Step: StepConfirmed, OK: true})
	c.eraseNext()
}

func (c *Coordinator) onDeleteResult(m protocol.DeleteResult) {
	s := c.sess
	if s == nil || s.kind != KindDeleteOne || s.confirm || !s.waiting() || m.SensorID != s.current {
		c.stale(m)
		return
	}
	c.setState(StateDeleting)
	sensor := s.current
	out := protocol.DeleteResult{Status: m.Status, SensorID: sensor, TicketID: s.ticket}

	if m.Status != protocol.ResultOK {
		c.relay.Broadcast(hub.KindOperations, out)
		c.fail(protocol.ReasonCaptureError, msgEraseFailed)
		return
	}

	ctx, cancel := c.ctx()
	err := c.assoc.Release(ctx, sensor)
	cancel()
	s.current = -1
	if err != nil {
		c.log.Error().Err(err).Int("sensor_id", sensor).Msg("erased slot not released")
		out.Status = protocol.ResultError
		c.relay.Broadcast(hub.KindOperations, out)
		s.emit(ProgressEvent{Step: StepSlot, SensorID: sensor, Reason: protocol.ReasonInternal})
	} else {
		c.relay.Broadcast(hub.KindOperations, out)
		s.emit(ProgressEvent{Step: StepSlot, SensorID: sensor, OK: true})
	}
	c.eraseNext()
}

func (c *Coordinator) onClearAllResult(m protocol.ClearAllResult) {
	s := c.sess
	if s == nil || s.kind != KindClearAll || s.confirm || !s.waiting() {
		c.stale(m)
		return
	}
	c.setState(StateDeleting)
	out := protocol.ClearAllResult{Status: m.Status, TicketID: s.ticket}
	if m.Status != protocol.ResultOK {
		c.relay.Broadcast(hub.KindOperations, out)
		c.fail(protocol.ReasonCaptureError, msgClearAllFailed)
		return
	}

	ctx, cancel := c.ctx()
	n, err := c.assoc.ClearAll(ctx)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Msg("reader wiped but records not cleared")
		out.Status = protocol.ResultError
		c.relay.Broadcast(hub.KindOperations, out)
		c.fail(protocol.ReasonInternal, msgInternal)
		return
	}
	c.log.Warn().Int64("records", n).Str("ticket_id", s.ticket).Msg("reader memory cleared")
	c.relay.Broadcast(hub.KindOperations, out)
	s.emit(ProgressEvent{Step: StepSlot, ClearAll: true, OK: true})
	s.emit(ProgressEvent{Step: StepDone, ClearAll: true, OK: true})
	c.finish("success")
}

// onOperatorLogin answers a biometric login on the newest login connection
// only, so tokens never reach other browsers.
func (c *Coordinator) onOperatorLogin(m protocol.OperatorLogin) {
	reply := protocol.OperatorLogin{Status: protocol.VerdictUnknown, SensorID: m.SensorID}
	if m.Status == protocol.LoginMatch {
		ctx, cancel := c.ctx()
		op, err := c.ops.OperatorForSensor(ctx, m.SensorID)
		if err == nil {
			reply.Access, reply.Refresh, err = c.tokens.IssueFor(ctx, op)
			if err == nil {
				reply.Status = protocol.LoginMatch
				c.log.Info().Int64("operator_id", op.ID).Int("sensor_id", m.SensorID).Msg("biometric login")
			}
		}
		cancel()
		if err != nil && !errors.Is(err, canteen.ErrNotFound) {
			c.log.Error().Err(err).Int("sensor_id", m.SensorID).Msg("biometric login failed")
			reply.Status = protocol.ResultError
		}
	}
	if err := c.relay.SendLatest(hub.KindLogin, reply); err != nil {
		c.log.Warn().Err(err).Int("sensor_id", m.SensorID).Msg("no login connection for biometric login result")
	}
}
