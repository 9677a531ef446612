package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchego/internal/canteen"
	"lanchego/internal/hub"
	"lanchego/internal/protocol"
	"lanchego/internal/store"
)

type fakeRelay struct {
	mu     sync.Mutex
	status string
	down   bool

	agent chan protocol.Message
	ops   chan protocol.Message
	login chan protocol.Message
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		status: protocol.StatusConnected,
		agent:  make(chan protocol.Message, 64),
		ops:    make(chan protocol.Message, 512),
		login:  make(chan protocol.Message, 16),
	}
}

func (f *fakeRelay) SendAgent(m protocol.Message) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return hub.ErrNoAgent
	}
	f.agent <- m
	return nil
}

func (f *fakeRelay) Broadcast(kind hub.Kind, m protocol.Message) int {
	if kind == hub.KindOperations {
		f.ops <- m
	}
	return 1
}

func (f *fakeRelay) SendLatest(kind hub.Kind, m protocol.Message) error {
	if kind != hub.KindLogin {
		return hub.ErrNoConnection
	}
	f.login <- m
	return nil
}

func (f *fakeRelay) ReaderStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRelay) setStatus(s string) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

type fakeTokens struct{}

func (fakeTokens) IssueFor(_ context.Context, op canteen.Operator) (string, string, error) {
	return "access-" + op.Username, "refresh-" + op.Username, nil
}

type env struct {
	c     *Coordinator
	relay *fakeRelay
	repo  *canteen.Repository
	assoc *canteen.Association
	eng   *canteen.Engine
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	db, err := store.NewDB("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	repo := canteen.NewRepository(db)
	assoc := canteen.NewAssociation(repo, zerolog.Nop())
	eng := canteen.NewEngine(repo, canteen.NewMemoryFeed(5), time.UTC, zerolog.Nop())
	relay := newFakeRelay()
	c := New(cfg, Deps{
		Relay:        relay,
		Associations: assoc,
		Authorizer:   eng,
		Operators:    repo,
		Tokens:       fakeTokens{},
		Log:          zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return &env{c: c, relay: relay, repo: repo, assoc: assoc, eng: eng}
}

func (e *env) student(t *testing.T, name string, sensors ...int) canteen.OwnerRef {
	t.Helper()
	st, err := e.repo.CreateStudent(context.Background(), canteen.Student{FullName: name, Cohort: "1E"})
	require.NoError(t, err)
	owner := canteen.StudentRef(st.ID)
	for _, s := range sensors {
		_, _, err := e.assoc.Associate(context.Background(), s, owner)
		require.NoError(t, err)
	}
	return owner
}

func (e *env) operator(t *testing.T, username string, admin bool, sensor int) canteen.Operator {
	t.Helper()
	op, err := e.repo.CreateOperator(context.Background(), canteen.Operator{Username: username, PasswordHash: "x", IsAdmin: admin})
	require.NoError(t, err)
	_, _, err = e.assoc.Associate(context.Background(), sensor, canteen.OperatorRef(op.ID))
	require.NoError(t, err)
	return op
}

func expectAgent(t *testing.T, f *fakeRelay) protocol.Message {
	t.Helper()
	select {
	case m := <-f.agent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no command sent to agent")
		return nil
	}
}

func expectNoAgent(t *testing.T, f *fakeRelay) {
	t.Helper()
	select {
	case m := <-f.agent:
		t.Fatalf("unexpected agent command %#v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitOps skips broadcasts until one of type typ shows up.
func waitOps(t *testing.T, f *fakeRelay, typ protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.ops:
			if m.Kind() == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s broadcast", typ)
			return nil
		}
	}
}

func waitState(t *testing.T, c *Coordinator, st State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().State == st }, 2*time.Second, 5*time.Millisecond)
}

func longHold() Config {
	return Config{HardwareTimeout: time.Minute, ErrorHold: time.Minute}
}

func TestEnrollAssociatesCapturedSlot(t *testing.T) {
	e := newEnv(t, longHold())
	owner := e.student(t, "Ana")

	info, err := e.c.StartEnroll(context.Background(), EnrollRequest{Owner: &owner, Slot: 1})
	require.NoError(t, err)
	assert.Equal(t, KindEnroll, info.Kind)
	assert.Equal(t, StateAwaitingAck, info.State)

	cmd := expectAgent(t, e.relay).(protocol.HardwareCommand)
	assert.Equal(t, protocol.CommandEnroll, cmd.Command)
	assert.Equal(t, info.ID, cmd.SessionID)
	require.NotNil(t, cmd.StudentID)
	assert.Equal(t, owner.ID, *cmd.StudentID)

	e.c.HandleAgent(protocol.HardwareAck{SessionID: info.ID})
	fb := waitOps(t, e.relay, protocol.TypeEnrollFeedback).(protocol.EnrollFeedback)
	assert.Equal(t, msgFollowReader, fb.Message)

	e.c.HandleAgent(protocol.EnrollFeedback{Message: "Remova o dedo"})
	assert.Equal(t, "Remova o dedo", waitOps(t, e.relay, protocol.TypeEnrollFeedback).(protocol.EnrollFeedback).Message)

	e.c.HandleAgent(protocol.EnrollSuccess{SensorID: 7})
	ok := waitOps(t, e.relay, protocol.TypeEnrollSuccess).(protocol.EnrollSuccess)
	assert.Equal(t, 7, ok.SensorID)
	assert.Equal(t, 1, ok.Count)
	require.NotNil(t, ok.StudentID)
	waitState(t, e.c, StateIdle)

	n, err := e.assoc.Count(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnrollWithoutOwnerOnlyReportsSlot(t *testing.T) {
	e := newEnv(t, longHold())
	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
	require.NoError(t, err)
	expectAgent(t, e.relay)

	// result without ack is an implicit ack
	e.c.HandleAgent(protocol.EnrollSuccess{SensorID: 12})
	ok := waitOps(t, e.relay, protocol.TypeEnrollSuccess).(protocol.EnrollSuccess)
	assert.Equal(t, 12, ok.SensorID)
	assert.Nil(t, ok.StudentID)
	waitState(t, e.c, StateIdle)

	all, err := e.assoc.SlotsAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEnrollRejectedAtLimitBeforeHardware(t *testing.T) {
	e := newEnv(t, longHold())
	owner := e.student(t, "Bia", 1, 2)

	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{Owner: &owner})
	assert.ErrorIs(t, err, canteen.ErrOwnerSlotLimitExceeded)
	expectNoAgent(t, e.relay)

	msg := waitOps(t, e.relay, protocol.TypeEnrollError).(protocol.EnrollError)
	assert.Equal(t, protocol.ReasonSlotLimit, msg.Reason)
	assert.Equal(t, StateIdle, e.c.Snapshot().State)
}

func TestAssociationConflictFailsSession(t *testing.T) {
	e := newEnv(t, longHold())
	e.student(t, "Caio", 9)
	other := e.student(t, "Duda")

	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{Owner: &other})
	require.NoError(t, err)
	expectAgent(t, e.relay)
	e.c.HandleAgent(protocol.EnrollSuccess{SensorID: 9})

	msg := waitOps(t, e.relay, protocol.TypeEnrollError).(protocol.EnrollError)
	assert.Equal(t, protocol.ReasonSlotBound, msg.Reason)
	waitState(t, e.c, StateError)
}

func TestSecondStartIsBusy(t *testing.T) {
	e := newEnv(t, longHold())
	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
	require.NoError(t, err)

	_, err = e.c.StartEnroll(context.Background(), EnrollRequest{})
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = e.c.StartIdentify(context.Background())
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = e.c.StartDelete(context.Background(), DeleteRequest{ClearAll: true})
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, protocol.ReasonSessionBusy, ReasonFor(err))
}

func TestConcurrentStartsAdmitOneSession(t *testing.T) {
	e := newEnv(t, longHold())
	var wg sync.WaitGroup
	var mu sync.Mutex
	started, busy := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, ErrSessionBusy):
				busy++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, started)
	assert.Equal(t, 19, busy)
	assert.Len(t, e.relay.agent, 1)
}

func TestStartWhileReaderOffline(t *testing.T) {
	e := newEnv(t, longHold())
	e.relay.setStatus(protocol.StatusDisconnected)
	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
	assert.ErrorIs(t, err, ErrReaderOffline)

	e.relay.setStatus(protocol.StatusConnected)
	e.relay.mu.Lock()
	e.relay.down = true
	e.relay.mu.Unlock()
	_, err = e.c.StartIdentify(context.Background())
	assert.ErrorIs(t, err, ErrReaderOffline)
	assert.Equal(t, StateIdle, e.c.Snapshot().State)
}

func TestSilentReaderFailsWithConnectivityLost(t *testing.T) {
	e := newEnv(t, Config{HardwareTimeout: 60 * time.Millisecond, ErrorHold: 60 * time.Millisecond})
	owner := e.student(t, "Enzo")

	info, err := e.c.StartEnroll(context.Background(), EnrollRequest{Owner: &owner})
	require.NoError(t, err)
	expectAgent(t, e.relay)
	e.c.HandleAgent(protocol.HardwareAck{SessionID: info.ID})

	msg := waitOps(t, e.relay, protocol.TypeEnrollError).(protocol.EnrollError)
	assert.Equal(t, protocol.ReasonConnectivityLost, msg.Reason)
	st := waitOps(t, e.relay, protocol.TypeCoordinatorState).(protocol.CoordinatorState)
	assert.Equal(t, string(StateError), st.State)
	waitState(t, e.c, StateIdle)

	// a fresh enrollment after reconnection is independent
	info2, err := e.c.StartEnroll(context.Background(), EnrollRequest{Owner: &owner})
	require.NoError(t, err)
	assert.NotEqual(t, info.ID, info2.ID)
	expectAgent(t, e.relay)
	e.c.HandleAgent(protocol.EnrollSuccess{SensorID: 3})
	assert.Equal(t, 3, waitOps(t, e.relay, protocol.TypeEnrollSuccess).(protocol.EnrollSuccess).SensorID)
}

func TestReaderDropFailsSession(t *testing.T) {
	e := newEnv(t, longHold())
	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
	require.NoError(t, err)
	expectAgent(t, e.relay)

	e.c.ReaderChanged(false)
	msg := waitOps(t, e.relay, protocol.TypeEnrollError).(protocol.EnrollError)
	assert.Equal(t, protocol.ReasonConnectivityLost, msg.Reason)
	waitState(t, e.c, StateError)
}

func TestReaderBounceBeforeStartLeavesSessionAlone(t *testing.T) {
	e := newEnv(t, longHold())
	e.c.ReaderChanged(false)
	e.c.ReaderChanged(true)

	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
	require.NoError(t, err)
	expectAgent(t, e.relay)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateAwaitingAck, e.c.Snapshot().State)

	// a drop after the start still ends the session
	e.c.ReaderChanged(false)
	msg := waitOps(t, e.relay, protocol.TypeEnrollError).(protocol.EnrollError)
	assert.Equal(t, protocol.ReasonConnectivityLost, msg.Reason)
	waitState(t, e.c, StateError)
}

func TestStartAllowedFromErrorState(t *testing.T) {
	e := newEnv(t, longHold())
	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
	require.NoError(t, err)
	expectAgent(t, e.relay)
	e.c.HandleAgent(protocol.EnrollError{Message: "tempo esgotado", Reason: protocol.ReasonCaptureTimeout})
	msg := waitOps(t, e.relay, protocol.TypeEnrollError).(protocol.EnrollError)
	assert.Equal(t, protocol.ReasonCaptureTimeout, msg.Reason)
	waitState(t, e.c, StateError)

	_, err = e.c.StartEnroll(context.Background(), EnrollRequest{})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAck, e.c.Snapshot().State)
}

func TestCancelReturnsToIdle(t *testing.T) {
	e := newEnv(t, longHold())
	require.NoError(t, e.c.Cancel(context.Background()))

	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
	require.NoError(t, err)
	expectAgent(t, e.relay)

	require.NoError(t, e.c.Cancel(context.Background()))
	assert.Equal(t, protocol.TypeCancel, expectAgent(t, e.relay).Kind())
	msg := waitOps(t, e.relay, protocol.TypeEnrollError).(protocol.EnrollError)
	assert.Equal(t, protocol.ReasonCancelled, msg.Reason)
	// error is broadcast, then idle follows without waiting for the hold
	assert.Equal(t, string(StateError), waitOps(t, e.relay, protocol.TypeCoordinatorState).(protocol.CoordinatorState).State)
	assert.Equal(t, string(StateIdle), waitOps(t, e.relay, protocol.TypeCoordinatorState).(protocol.CoordinatorState).State)
	assert.Equal(t, StateIdle, e.c.Snapshot().State)
}

func TestIdleMatchGrantsOncePerDay(t *testing.T) {
	e := newEnv(t, longHold())
	e.student(t, "Flora", 8)

	e.c.HandleAgent(protocol.IdentifyMatch{SensorID: 8})
	res := waitOps(t, e.relay, protocol.TypeIdentifyResult).(protocol.IdentifyResult)
	assert.Equal(t, protocol.VerdictGranted, res.Status)
	require.NotNil(t, res.Student)
	assert.Equal(t, "Flora", res.Student.FullName)
	recent := waitOps(t, e.relay, protocol.TypeRecentWithdrawals).(protocol.RecentWithdrawals)
	require.Len(t, recent.Entries, 1)
	assert.Equal(t, "Flora", recent.Entries[0].Name)
	waitState(t, e.c, StateIdle)

	e.c.HandleAgent(protocol.IdentifyMatch{SensorID: 8})
	res = waitOps(t, e.relay, protocol.TypeIdentifyResult).(protocol.IdentifyResult)
	assert.Equal(t, protocol.VerdictAlreadyWithdrawn, res.Status)
}

func TestUnknownFingerIsNotFound(t *testing.T) {
	e := newEnv(t, longHold())

	e.c.HandleAgent(protocol.IdentifyMatch{SensorID: 77})
	res := waitOps(t, e.relay, protocol.TypeIdentifyResult).(protocol.IdentifyResult)
	assert.Equal(t, protocol.VerdictUnknown, res.Status)
	assert.Nil(t, res.Student)

	e.c.HandleAgent(protocol.IdentifyNoMatch{})
	res = waitOps(t, e.relay, protocol.TypeIdentifyResult).(protocol.IdentifyResult)
	assert.Equal(t, protocol.VerdictUnknown, res.Status)
}

func TestExplicitIdentify(t *testing.T) {
	e := newEnv(t, longHold())
	e.student(t, "Gabi", 4)

	info, err := e.c.StartIdentify(context.Background())
	require.NoError(t, err)
	cmd := expectAgent(t, e.relay).(protocol.HardwareCommand)
	assert.Equal(t, protocol.CommandIdentify, cmd.Command)

	e.c.HandleAgent(protocol.HardwareAck{SessionID: info.ID})
	e.c.HandleAgent(protocol.IdentifyMatch{SensorID: 4})
	res := waitOps(t, e.relay, protocol.TypeIdentifyResult).(protocol.IdentifyResult)
	assert.Equal(t, protocol.VerdictGranted, res.Status)
	waitState(t, e.c, StateIdle)
}

func TestMatchDuringEnrollIsDuplicate(t *testing.T) {
	e := newEnv(t, longHold())
	e.student(t, "Heitor", 5)
	owner := e.student(t, "Iris")

	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{Owner: &owner})
	require.NoError(t, err)
	expectAgent(t, e.relay)
	e.c.HandleAgent(protocol.IdentifyMatch{SensorID: 5})

	msg := waitOps(t, e.relay, protocol.TypeEnrollError).(protocol.EnrollError)
	assert.Equal(t, protocol.ReasonCaptureError, msg.Reason)
	assert.Equal(t, msgDuplicate, msg.Message)
}

func TestStaleAckIgnored(t *testing.T) {
	e := newEnv(t, longHold())
	_, err := e.c.StartEnroll(context.Background(), EnrollRequest{})
	require.NoError(t, err)
	expectAgent(t, e.relay)

	e.c.HandleAgent(protocol.HardwareAck{SessionID: "someone-else"})
	e.c.HandleAgent(protocol.DeleteResult{Status: protocol.ResultOK, SensorID: 1})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateAwaitingAck, e.c.Snapshot().State)
}

type progressLog struct {
	mu     sync.Mutex
	events []ProgressEvent
	done   chan ProgressEvent
}

func newProgressLog() *progressLog {
	return &progressLog{done: make(chan ProgressEvent, 1)}
}

func (p *progressLog) record(ev ProgressEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if ev.Step == StepDone {
		p.done <- ev
	}
}

func (p *progressLog) wait(t *testing.T) ProgressEvent {
	t.Helper()
	select {
	case ev := <-p.done:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("delete session never finished")
		return ProgressEvent{}
	}
}

func (p *progressLog) slots() map[int]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[int]bool{}
	for _, ev := range p.events {
		if ev.Step == StepSlot {
			out[ev.SensorID] = ev.OK
		}
	}
	return out
}

func answerDelete(t *testing.T, e *env, status string) int {
	t.Helper()
	cmd := expectAgent(t, e.relay).(protocol.HardwareCommand)
	require.Equal(t, protocol.CommandDelete, cmd.Command)
	require.NotNil(t, cmd.SensorID)
	e.c.HandleAgent(protocol.HardwareAck{SessionID: cmd.SessionID})
	e.c.HandleAgent(protocol.DeleteResult{Status: status, SensorID: *cmd.SensorID})
	return *cmd.SensorID
}

func TestDeleteSlotsSequentially(t *testing.T) {
	e := newEnv(t, longHold())
	owner := e.student(t, "Joao", 1, 2)
	progress := newProgressLog()

	_, err := e.c.StartDelete(context.Background(), DeleteRequest{TicketID: "t-1", Slots: []int{1, 2}, Progress: progress.record})
	require.NoError(t, err)

	assert.Equal(t, 1, answerDelete(t, e, protocol.ResultOK))
	res := waitOps(t, e.relay, protocol.TypeDeleteResult).(protocol.DeleteResult)
	assert.Equal(t, protocol.DeleteResult{Status: protocol.ResultOK, SensorID: 1, TicketID: "t-1"}, res)
	assert.Equal(t, 2, answerDelete(t, e, protocol.ResultOK))

	done := progress.wait(t)
	assert.True(t, done.OK)
	assert.Equal(t, "t-1", done.TicketID)
	assert.Equal(t, map[int]bool{1: true, 2: true}, progress.slots())
	waitState(t, e.c, StateIdle)

	n, err := e.assoc.Count(context.Background(), owner)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteFailurePartwayKeepsErasedSlots(t *testing.T) {
	e := newEnv(t, longHold())
	e.student(t, "Karen", 1, 2)
	e.student(t, "Leo", 3)
	progress := newProgressLog()

	_, err := e.c.StartDelete(context.Background(), DeleteRequest{TicketID: "t-2", Slots: []int{1, 2, 3}, Progress: progress.record})
	require.NoError(t, err)

	answerDelete(t, e, protocol.ResultOK)
	answerDelete(t, e, protocol.ResultError)

	done := progress.wait(t)
	assert.False(t, done.OK)
	assert.Equal(t, protocol.ReasonCaptureError, done.Reason)
	assert.Equal(t, map[int]bool{1: true, 2: false, 3: false}, progress.slots())
	expectNoAgent(t, e.relay)

	slots, err := e.assoc.SlotsAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, slots)
}

func TestConfirmedClearAllNeedsAdminFinger(t *testing.T) {
	e := newEnv(t, longHold())
	e.operator(t, "chefe", true, 50)
	e.operator(t, "caixa", false, 51)
	e.student(t, "Mia", 1)

	progress := newProgressLog()
	_, err := e.c.StartDelete(context.Background(), DeleteRequest{TicketID: "t-3", ClearAll: true, Confirm: true, Progress: progress.record})
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandIdentify, expectAgent(t, e.relay).(protocol.HardwareCommand).Command)
	e.c.HandleAgent(protocol.IdentifyMatch{SensorID: 51})

	done := progress.wait(t)
	assert.False(t, done.OK)
	assert.Equal(t, protocol.ReasonUnauthorized, done.Reason)
	expectNoAgent(t, e.relay)

	progress = newProgressLog()
	_, err = e.c.StartDelete(context.Background(), DeleteRequest{TicketID: "t-4", ClearAll: true, Confirm: true, Progress: progress.record})
	require.NoError(t, err)
	expectAgent(t, e.relay)
	e.c.HandleAgent(protocol.IdentifyMatch{SensorID: 50})

	cmd := expectAgent(t, e.relay).(protocol.HardwareCommand)
	assert.Equal(t, protocol.CommandClearAll, cmd.Command)
	e.c.HandleAgent(protocol.ClearAllResult{Status: protocol.ResultOK})

	done = progress.wait(t)
	assert.True(t, done.OK)
	res := waitOps(t, e.relay, protocol.TypeClearAllResult).(protocol.ClearAllResult)
	assert.Equal(t, "t-4", res.TicketID)

	all, err := e.assoc.SlotsAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteTimeoutFailsRemaining(t *testing.T) {
	e := newEnv(t, Config{HardwareTimeout: 50 * time.Millisecond, ErrorHold: time.Minute})
	e.student(t, "Nico", 1, 2)
	progress := newProgressLog()

	_, err := e.c.StartDelete(context.Background(), DeleteRequest{Slots: []int{1, 2}, Progress: progress.record})
	require.NoError(t, err)
	expectAgent(t, e.relay)

	done := progress.wait(t)
	assert.Equal(t, protocol.ReasonConnectivityLost, done.Reason)
	assert.Equal(t, map[int]bool{1: false, 2: false}, progress.slots())
}

func TestEmptyDeleteScope(t *testing.T) {
	e := newEnv(t, longHold())
	_, err := e.c.StartDelete(context.Background(), DeleteRequest{})
	assert.ErrorIs(t, err, ErrEmptyScope)
}

func TestOperatorLoginGoesToLoginChannel(t *testing.T) {
	e := newEnv(t, longHold())
	e.operator(t, "olga", false, 60)

	e.c.HandleAgent(protocol.OperatorLogin{Status: protocol.LoginMatch, SensorID: 60})
	select {
	case m := <-e.relay.login:
		login := m.(protocol.OperatorLogin)
		assert.Equal(t, protocol.LoginMatch, login.Status)
		assert.Equal(t, "access-olga", login.Access)
		assert.Equal(t, "refresh-olga", login.Refresh)
	case <-time.After(2 * time.Second):
		t.Fatal("no login result")
	}

	e.c.HandleAgent(protocol.OperatorLogin{Status: protocol.LoginMatch, SensorID: 61})
	select {
	case m := <-e.relay.login:
		login := m.(protocol.OperatorLogin)
		assert.Equal(t, protocol.VerdictUnknown, login.Status)
		assert.Empty(t, login.Access)
	case <-time.After(2 * time.Second):
		t.Fatal("no login result")
	}
}

func TestSnapshotMessages(t *testing.T) {
	e := newEnv(t, longHold())
	e.student(t, "Rui", 70)

	msgs := e.c.SnapshotMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.CoordinatorState{State: string(StateIdle)}, msgs[0])
	assert.Equal(t, protocol.RecentWithdrawals{Entries: []protocol.WithdrawalView{}}, msgs[1])

	e.c.HandleAgent(protocol.IdentifyMatch{SensorID: 70})
	waitOps(t, e.relay, protocol.TypeRecentWithdrawals)
	waitState(t, e.c, StateIdle)
	msgs = e.c.SnapshotMessages()
	recent := msgs[1].(protocol.RecentWithdrawals)
	require.Len(t, recent.Entries, 1)
	assert.Equal(t, "Rui", recent.Entries[0].Name)
}
