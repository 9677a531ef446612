// Package bulk validates and dispatches multi-slot fingerprint deletions.
// Initiation returns a ticket at once; the hardware work runs later through
// the coordinator and is reported by broadcast.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanchego/internal/auth"
	"lanchego/internal/canteen"
	"lanchego/internal/coordinator"
	"lanchego/internal/hub"
	"lanchego/internal/metrics"
	"lanchego/internal/protocol"
	"lanchego/internal/queue"
)

const jobType = "bulk.delete"

var (
	ErrUnauthorized   = errors.New("bulk action proof rejected")
	ErrInvalidRequest = errors.New("invalid bulk action request")
)

// Request asks for a deletion scope, proven by either a password or an
// admin fingerprint captured by the reader.
type Request struct {
	Scope       Scope
	OwnerID     int64
	Cohort      string
	Method      Method
	Password    string
	RequestedBy int64
}

func (r Request) validate() error {
	switch r.Scope {
	case ScopeStudent, ScopeOperator:
		if r.OwnerID <= 0 {
			return fmt.Errorf("%w: owner id required", ErrInvalidRequest)
		}
	case ScopeCohort:
		if !canteen.ValidCohort(r.Cohort) {
			return fmt.Errorf("%w: %v %q", ErrInvalidRequest, canteen.ErrInvalidCohort, r.Cohort)
		}
	case ScopeAll:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, r.Scope)
	}
	switch r.Method {
	case MethodPassword:
		if r.Password == "" {
			return fmt.Errorf("%w: password required", ErrUnauthorized)
		}
	case MethodBiometric:
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, r.Method)
	}
	return nil
}

func (r Request) target() string {
	switch r.Scope {
	case ScopeStudent, ScopeOperator:
		return strconv.FormatInt(r.OwnerID, 10)
	case ScopeCohort:
		return r.Cohort
	}
	return ""
}

type Planner interface {
	SlotsForOwner(ctx context.Context, owner canteen.OwnerRef) ([]int, error)
	SlotsForCohort(ctx context.Context, cohort string) ([]int, error)
}

type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, operatorID int64, password string) (canteen.Operator, error)
}

type Dispatcher interface {
	StartDelete(ctx context.Context, req coordinator.DeleteRequest) (coordinator.SessionInfo, error)
}

type Broadcaster interface {
	Broadcast(kind hub.Kind, m protocol.Message) int
}

type Config struct {
	// BusyRetryWindow is how long a queued ticket keeps retrying while
	// another session holds the reader.
	BusyRetryWindow time.Duration
	RetryInterval   time.Duration
}

type Deps struct {
	Planner   Planner
	Passwords PasswordVerifier
	Reader    Dispatcher
	Relay     Broadcaster
	Queue     queue.Queue
	Tickets   *Tickets
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

type Initiator struct {
	cfg       Config
	planner   Planner
	passwords PasswordVerifier
	reader    Dispatcher
	relay     Broadcaster
	queue     queue.Queue
	tickets   *Tickets
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewInitiator(cfg Config, deps Deps) *Initiator {
	if cfg.BusyRetryWindow <= 0 {
		cfg.BusyRetryWindow = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if deps.Tickets == nil {
		deps.Tickets = NewTickets(0)
	}
	return &Initiator{
		cfg:       cfg,
		planner:   deps.Planner,
		passwords: deps.Passwords,
		reader:    deps.Reader,
		relay:     deps.Relay,
		queue:     deps.Queue,
		tickets:   deps.Tickets,
		metrics:   deps.Metrics,
		log:       deps.Log,
	}
}

// Tickets exposes the ticket store for status queries.
func (i *Initiator) Tickets() *Tickets { return i.tickets }

// Initiate validates the proof, plans the slots and queues the ticket. A
// rejected password never reaches the reader.
func (i *Initiator) Initiate(ctx context.Context, req Request) (Ticket, error) {
	if err := req.validate(); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			i.metrics.Ticket(string(req.Scope), "unauthorized")
		}
		return Ticket{}, err
	}

	if req.Method == MethodPassword {
		op, err := i.passwords.VerifyPassword(ctx, req.RequestedBy, req.Password)
		if err != nil && !errors.Is(err, auth.ErrInvalidCredentials) {
			return Ticket{}, err
		}
		if err != nil || !op.IsAdmin {
			i.metrics.Ticket(string(req.Scope), "unauthorized")
			i.log.Warn().Int64("operator_id", req.RequestedBy).Str("scope", string(req.Scope)).Msg("bulk action password proof rejected")
			return Ticket{}, ErrUnauthorized
		}
	}

	slots, err := i.plan(ctx, req)
	if err != nil {
		return Ticket{}, err
	}

	now := time.Now().UTC()
	t := Ticket{
		ID:          uuid.NewString(),
		Scope:       req.Scope,
		Target:      req.target(),
		Method:      req.Method,
		RequestedBy: req.RequestedBy,
		Status:      StatusQueued,
		ClearAll:    req.Scope == ScopeAll,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, s := range slots {
		t.Slots = append(t.Slots, SlotResult{SensorID: s, Status: SlotPending})
	}

	if !t.ClearAll && len(t.Slots) == 0 {
		t.Status = StatusDone
		i.tickets.put(t)
		i.metrics.Ticket(string(t.Scope), string(t.Status))
		i.feedback(t.ID, protocol.ActionSuccess, "Nenhuma digital para apagar")
		return t, nil
	}

	i.tickets.put(t)
	msg, err := queue.NewMessage(jobType, t)
	if err == nil {
		err = i.queue.Publish(ctx, msg)
	}
	if err != nil {
		i.finishTicket(t.ID, protocol.ReasonInternal)
		return Ticket{}, fmt.Errorf("queue bulk ticket: %w", err)
	}
	i.log.Info().Str("ticket_id", t.ID).Str("scope", string(t.Scope)).Str("target", t.Target).
		Str("method", string(t.Method)).Int("slots", len(t.Slots)).Msg("bulk action queued")
	i.feedback(t.ID, protocol.ActionStarted, "Ação iniciada")
	return t, nil
}

func (i *Initiator) plan(ctx context.Context, req Request) ([]int, error) {
	switch req.Scope {
	case ScopeStudent:
		return i.planner.SlotsForOwner(ctx, canteen.StudentRef(req.OwnerID))
	case ScopeOperator:
		return i.planner.SlotsForOwner(ctx, canteen.OperatorRef(req.OwnerID))
	case ScopeCohort:
		return i.planner.SlotsForCohort(ctx, req.Cohort)
	}
	return nil, nil
}

// Run dispatches queued tickets to the reader, one at a time, until ctx is done.
func (i *Initiator) Run(ctx context.Context) error {
	msgs, err := i.queue.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if msg.Type != jobType {
			i.log.Warn().Str("type", msg.Type).Msg("ignoring unknown queue message")
			continue
		}
		var t Ticket
		if err := msg.Decode(&t); err != nil {
			i.log.Error().Err(err).Msg("undecodable bulk ticket")
			continue
		}
		i.dispatch(ctx, t)
	}
	return ctx.Err()
}

func (i *Initiator) dispatch(ctx context.Context, t Ticket) {
	if cur, ok := i.tickets.Get(t.ID); ok {
		if cur.Status.Finished() {
			return
		}
	} else {
		// queued by another instance
		i.tickets.put(t)
	}

	req := coordinator.DeleteRequest{
		TicketID: t.ID,
		Slots:    t.sensorIDs(),
		ClearAll: t.ClearAll,
		Confirm:  t.Method == MethodBiometric,
		Progress: i.onProgress,
	}
	deadline := t.CreatedAt.Add(i.cfg.BusyRetryWindow)
	for {
		_, err := i.reader.StartDelete(ctx, req)
		if err == nil {
			break
		}
		if errors.Is(err, coordinator.ErrSessionBusy) && time.Now().Before(deadline) {
			select {
			case <-time.After(i.cfg.RetryInterval):
				continue
			case <-ctx.Done():
				i.finishTicket(t.ID, protocol.ReasonCancelled)
				return
			}
		}
		if ctx.Err() != nil {
			i.finishTicket(t.ID, protocol.ReasonCancelled)
			return
		}
		i.log.Warn().Err(err).Str("ticket_id", t.ID).Msg("bulk action could not start")
		i.finishTicket(t.ID, coordinator.ReasonFor(err))
		return
	}

	next, text := StatusRunning, "Apagando digitais no leitor"
	if req.Confirm {
		next, text = StatusConfirming, "Confirme com a digital de um administrador"
	}
	// progress may already have moved the ticket on; announce only our own move
	i.tickets.update(t.ID, func(t *Ticket) {
		if t.Status == StatusQueued {
			t.Status = next
			i.feedback(t.ID, protocol.ActionProgress, text)
		}
	})
}

// onProgress runs on the coordinator goroutine and must not block.
func (i *Initiator) onProgress(ev coordinator.ProgressEvent) {
	switch ev.Step {
	case coordinator.StepConfirmed:
		i.tickets.update(ev.TicketID, func(t *Ticket) {
			if !t.Status.Finished() {
				t.Status = StatusRunning
				i.feedback(ev.TicketID, protocol.ActionProgress, "Confirmado. Apagando digitais no leitor")
			}
		})
	case coordinator.StepSlot:
		status := SlotErased
		if !ev.OK {
			status = SlotFailed
		}
		i.metrics.SlotResult(string(status))
		t, _ := i.tickets.update(ev.TicketID, func(t *Ticket) {
			if ev.ClearAll {
				for k := range t.Slots {
					t.Slots[k].Status, t.Slots[k].Reason = status, ev.Reason
				}
				return
			}
			if s := t.slot(ev.SensorID); s != nil {
				s.Status, s.Reason = status, ev.Reason
			}
		})
		if ev.OK && !ev.ClearAll {
			i.feedback(ev.TicketID, protocol.ActionProgress, fmt.Sprintf("Digital %d apagada (%d/%d)", ev.SensorID, t.erased(), len(t.Slots)))
		}
	case coordinator.StepDone:
		reason := ev.Reason
		if ev.OK {
			reason = ""
		}
		i.finishTicket(ev.TicketID, reason)
	}
}

// finishTicket closes a ticket; an empty reason means success.
func (i *Initiator) finishTicket(id, reason string) {
	t, ok := i.tickets.update(id, func(t *Ticket) {
		switch {
		case reason == "":
			t.Status = StatusDone
		case t.erased() > 0:
			t.Status = StatusPartial
		default:
			t.Status = StatusFailed
		}
		t.Reason = reason
		for k := range t.Slots {
			if reason != "" && t.Slots[k].Status == SlotPending {
				t.Slots[k].Status, t.Slots[k].Reason = SlotFailed, reason
			}
		}
	})
	if !ok {
		return
	}
	i.metrics.Ticket(string(t.Scope), string(t.Status))
	if t.Status == StatusDone {
		i.log.Info().Str("ticket_id", id).Int("slots", len(t.Slots)).Msg("bulk action finished")
		i.feedback(id, protocol.ActionSuccess, "Ação concluída")
		return
	}
	i.log.Warn().Str("ticket_id", id).Str("status", string(t.Status)).Str("reason", reason).Msg("bulk action failed")
	i.feedback(id, protocol.ActionError, failureText(reason))
}

func (i *Initiator) feedback(ticketID, status, message string) {
	i.relay.Broadcast(hub.KindOperations, protocol.ActionFeedback{Status: status, Message: message, TicketID: ticketID})
}

func (t Ticket) erased() int {
	n := 0
	for _, s := range t.Slots {
		if s.Status == SlotErased {
			n++
		}
	}
	return n
}

func failureText(reason string) string {
	switch reason {
	case protocol.ReasonUnauthorized:
		return "Confirmação biométrica recusada"
	case protocol.ReasonConnectivityLost:
		return "Leitor desconectado"
	case protocol.ReasonSessionBusy:
		return "Leitor ocupado"
	case protocol.ReasonCancelled:
		return "Operação cancelada"
	}
	return "Falha ao apagar digitais"
}
