package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchego/internal/auth"
	"lanchego/internal/bulk"
	"lanchego/internal/canteen"
	"lanchego/internal/coordinator"
	"lanchego/internal/hub"
	"lanchego/internal/metrics"
	"lanchego/internal/protocol"
	"lanchego/internal/queue"
	"lanchego/internal/readersim"
	"lanchego/internal/store"
)

const (
	testIssuer     = "lanchego-test"
	testKey        = "test-signing-key"
	testAgentToken = "agent-secret"
)

type stack struct {
	srv   *httptest.Server
	repo  *canteen.Repository
	assoc *canteen.Association
	hub   *hub.Registry
	coord *coordinator.Coordinator
	m     *metrics.Metrics

	admin canteen.Operator
	token string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	log := zerolog.Nop()

	db, err := store.NewDB(string(store.SQLite), ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { _ = db.Close() })

	repo := canteen.NewRepository(db)
	assoc := canteen.NewAssociation(repo, log)
	engine := canteen.NewEngine(repo, canteen.NewMemoryFeed(5), time.UTC, log)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	registry := hub.NewRegistry(log, m)
	authSvc := auth.NewService(repo, auth.Settings{Issuer: testIssuer, SigningKey: testKey, AccessTTL: time.Hour, RefreshTTL: time.Hour})

	coord := coordinator.New(coordinator.Config{HardwareTimeout: 2 * time.Second, ErrorHold: 100 * time.Millisecond}, coordinator.Deps{
		Relay:        registry,
		Associations: assoc,
		Authorizer:   engine,
		Operators:    repo,
		Tokens:       authSvc,
		Metrics:      m,
		Log:          log,
	})
	registry.OnReaderChange(coord.ReaderChanged)
	registry.SetSnapshot(coord.SnapshotMessages)

	initiator := bulk.NewInitiator(bulk.Config{BusyRetryWindow: 2 * time.Second, RetryInterval: 20 * time.Millisecond}, bulk.Deps{
		Planner:   assoc,
		Passwords: authSvc,
		Reader:    coord,
		Relay:     registry,
		Queue:     queue.NewInMemory(8),
		Metrics:   m,
		Log:       log,
	})

	h := New(Config{
		Issuer:              testIssuer,
		SigningKey:          testKey,
		AgentToken:          testAgentToken,
		ProofAttemptsPerMin: 100,
	}, Deps{
		Hub:          registry,
		Coordinator:  coord,
		Associations: assoc,
		Engine:       engine,
		Auth:         authSvc,
		Bulk:         initiator,
		DB:           db,
		Gatherer:     reg,
		Metrics:      m,
		Log:          log,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = coord.Run(runCtx) }()
	go func() { _ = initiator.Run(runCtx) }()

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	hash, err := auth.HashPassword("segredo1")
	require.NoError(t, err)
	admin, err := repo.CreateOperator(ctx, canteen.Operator{Username: "carla", PasswordHash: hash, IsAdmin: true})
	require.NoError(t, err)
	_, op, err := authSvc.Login(ctx, "carla", "segredo1")
	require.NoError(t, err)
	access, _, err := authSvc.IssueFor(ctx, op)
	require.NoError(t, err)

	return &stack{srv: srv, repo: repo, assoc: assoc, hub: registry, coord: coord, m: m, admin: admin, token: access}
}

func (s *stack) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
}

// agent connects a simulated reader holding the given templates.
func (s *stack) agent(t *testing.T, stored ...int) *readersim.Agent {
	t.Helper()
	a := readersim.New(readersim.Options{URL: s.wsURL("/ws/agent"), Token: testAgentToken, Logger: zerolog.Nop()})
	a.Store(stored...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = a.Run(ctx) }()
	select {
	case <-a.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("simulated reader never connected")
	}
	require.Eventually(t, func() bool { return s.hub.ReaderStatus() == protocol.StatusConnected }, 2*time.Second, 5*time.Millisecond)
	return a
}

// dial opens a websocket and waits for the registration snapshot when the
// channel sends one.
func (s *stack) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL(path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	if strings.HasPrefix(path, "/ws/operations") {
		readType(t, ws, protocol.TypeRecentWithdrawals)
	}
	return ws
}

func (s *stack) operations(t *testing.T) *websocket.Conn {
	return s.dial(t, "/ws/operations?token="+s.token)
}

func readType(t *testing.T, ws *websocket.Conn, typ protocol.Type) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		m, err := protocol.Decode(data)
		require.NoError(t, err)
		if m.Kind() == typ {
			return m
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func (s *stack) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func (s *stack) student(t *testing.T, name string, sensors ...int) canteen.Student {
	t.Helper()
	st, err := s.repo.CreateStudent(context.Background(), canteen.Student{FullName: name, Cohort: "3I"})
	require.NoError(t, err)
	for _, id := range sensors {
		_, _, err := s.assoc.Associate(context.Background(), id, canteen.StudentRef(st.ID))
		require.NoError(t, err)
	}
	return st
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newStack(t)
	code, body := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["db"])
	assert.Equal(t, protocol.StatusDisconnected, body["leitor"])

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "lanchego_reader_connected")
}

func TestTokensAndAuth(t *testing.T) {
	s := newStack(t)

	resp, err := http.Post(s.srv.URL+"/api/token/", "application/json", strings.NewReader(`{"username":"carla","password":"errado"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(s.srv.URL+"/api/token/", "application/json", strings.NewReader(`{"username":"carla","password":"segredo1"}`))
	require.NoError(t, err)
	var pair map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pair))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, pair["access"])

	body := `{"refresh":"` + pair["refresh"].(string) + `"}`
	resp, err = http.Post(s.srv.URL+"/api/token/refresh/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, err = http.Post(s.srv.URL+"/api/token/refresh/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "refresh tokens are single use")

	resp, err = http.Get(s.srv.URL + "/api/retiradas/hoje")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(s.wsURL("/ws/agent?token=wrong"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEnrollEndToEnd(t *testing.T) {
	s := newStack(t)
	a := s.agent(t, 1)
	ops := s.operations(t)
	ana := s.student(t, "Ana")

	id := ana.ID
	send(t, ops, protocol.HardwareCommand{Command: protocol.CommandEnroll, StudentID: &id})
	fb := readType(t, ops, protocol.TypeEnrollFeedback).(protocol.EnrollFeedback)
	assert.NotEmpty(t, fb.Message)
	ok := readType(t, ops, protocol.TypeEnrollSuccess).(protocol.EnrollSuccess)
	assert.Equal(t, 2, ok.SensorID)
	require.NotNil(t, ok.StudentID)
	assert.Equal(t, ana.ID, *ok.StudentID)
	assert.Equal(t, 1, ok.Count)

	assert.Equal(t, []int{1, 2}, a.Stored())
	n, err := s.repo.CountFingerprints(context.Background(), canteen.StudentRef(ana.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWithdrawalEndToEnd(t *testing.T) {
	s := newStack(t)
	a := s.agent(t, 4)
	ops := s.operations(t)
	s.student(t, "Bruno", 4)

	a.Place(4)
	res := readType(t, ops, protocol.TypeIdentifyResult).(protocol.IdentifyResult)
	assert.Equal(t, protocol.VerdictGranted, res.Status)
	require.NotNil(t, res.Student)
	assert.Equal(t, "Bruno", res.Student.FullName)
	recent := readType(t, ops, protocol.TypeRecentWithdrawals).(protocol.RecentWithdrawals)
	require.Len(t, recent.Entries, 1)
	assert.Equal(t, "Bruno", recent.Entries[0].Name)

	require.Eventually(t, func() bool { return s.coord.Snapshot().State == coordinator.StateIdle }, 2*time.Second, 5*time.Millisecond)
	a.Place(4)
	res = readType(t, ops, protocol.TypeIdentifyResult).(protocol.IdentifyResult)
	assert.Equal(t, protocol.VerdictAlreadyWithdrawn, res.Status)

	a.PlaceUnknown()
	res = readType(t, ops, protocol.TypeIdentifyResult).(protocol.IdentifyResult)
	assert.Equal(t, protocol.VerdictUnknown, res.Status)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/api/retiradas/hoje", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []canteen.Withdrawal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "Bruno", list[0].StudentName)
}

func TestAgentMessagesCountedOnce(t *testing.T) {
	s := newStack(t)
	a := s.agent(t)
	ops := s.operations(t)

	a.PlaceUnknown()
	readType(t, ops, protocol.TypeIdentifyResult)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.HardwareMessages.WithLabelValues(string(protocol.TypeIdentifyNoMatch))))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.HardwareMessages.WithLabelValues(string(protocol.TypeReaderStatus))))
}

func TestInboundRejections(t *testing.T) {
	s := newStack(t)
	s.agent(t)

	anon := s.dial(t, "/ws/operations")
	send(t, anon, protocol.HardwareCommand{Command: protocol.CommandEnroll})
	e := readType(t, anon, protocol.TypeError).(protocol.Error)
	assert.Equal(t, protocol.ReasonUnauthorized, e.Reason)

	ops := s.operations(t)
	require.NoError(t, ops.WriteMessage(websocket.TextMessage, []byte(`{"type":"snack.teleport"}`)))
	e = readType(t, ops, protocol.TypeError).(protocol.Error)
	assert.Equal(t, "Tipo de mensagem desconhecido", e.Message)

	require.NoError(t, ops.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	readType(t, ops, protocol.TypeError)

	send(t, ops, protocol.IdentifyMatch{SensorID: 1})
	readType(t, ops, protocol.TypeError)
	assert.Equal(t, coordinator.StateIdle, s.coord.Snapshot().State, "clients cannot forge reader events")
}

func TestEnrollRESTBusyOfflineAndCancel(t *testing.T) {
	s := newStack(t)

	code, body := s.do(t, http.MethodPost, "/api/hardware/cadastro", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, protocol.ReasonConnectivityLost, body["reason"])

	a := s.agent(t)
	a.SetMuted(true)
	code, body = s.do(t, http.MethodPost, "/api/hardware/cadastro", map[string]any{"slot": 1})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, string(coordinator.KindEnroll), body["kind"])

	code, body = s.do(t, http.MethodPost, "/api/hardware/cadastro", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, protocol.ReasonSessionBusy, body["reason"])

	code, _ = s.do(t, http.MethodPost, "/api/hardware/cancel", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, body = s.do(t, http.MethodGet, "/api/hardware/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(coordinator.StateIdle), body["state"])
	assert.Equal(t, protocol.StatusConnected, body["status"])

	code, _ = s.do(t, http.MethodPost, "/api/hardware/cadastro", map[string]any{"slot": 7})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAssociateREST(t *testing.T) {
	s := newStack(t)
	ana := s.student(t, "Ana")
	bia := s.student(t, "Bia")

	code, body := s.do(t, http.MethodPost, "/api/digitais/associar/", map[string]any{"sensor_id": 9, "aluno_id": ana.ID})
	require.Equal(t, http.StatusCreated, code)
	assert.EqualValues(t, 1, body["digitais_count"])

	code, body = s.do(t, http.MethodPost, "/api/digitais/associar/", map[string]any{"sensor_id": 9, "aluno_id": bia.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, protocol.ReasonSlotBound, body["reason"])

	code, _ = s.do(t, http.MethodPost, "/api/digitais/associar/", map[string]any{"sensor_id": 10})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodPost, "/api/digitais/associar/", map[string]any{"sensor_id": 10, "aluno_id": 999})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBulkWrongPasswordTouchesNothing(t *testing.T) {
	s := newStack(t)
	a := s.agent(t, 1, 2)
	s.student(t, "Caio", 1, 2)

	code, body := s.do(t, http.MethodPost, "/api/actions/initiate-clear-all/", map[string]any{"method": "password", "password": "errado"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, protocol.ReasonUnauthorized, body["reason"])

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.Commands())
	assert.Equal(t, []int{1, 2}, a.Stored())
	all, err := s.assoc.SlotsAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, all)
}

func TestBulkDeleteStudentEndToEnd(t *testing.T) {
	s := newStack(t)
	a := s.agent(t, 1, 2, 3)
	ops := s.operations(t)
	caio := s.student(t, "Caio", 1, 2)

	path := "/api/actions/initiate-delete-student-fingerprints/" + strconv.FormatInt(caio.ID, 10) + "/"
	code, body := s.do(t, http.MethodPost, path, map[string]any{"method": "password", "password": "segredo1"})
	require.Equal(t, http.StatusAccepted, code)
	ticketID := body["id"].(string)

	for {
		fb := readType(t, ops, protocol.TypeActionFeedback).(protocol.ActionFeedback)
		assert.Equal(t, ticketID, fb.TicketID)
		require.NotEqual(t, protocol.ActionError, fb.Status, fb.Message)
		if fb.Status == protocol.ActionSuccess {
			break
		}
	}

	code, body = s.do(t, http.MethodGet, "/api/actions/"+ticketID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(bulk.StatusDone), body["status"])
	assert.Equal(t, []int{3}, a.Stored())
	n, err := s.repo.CountFingerprints(context.Background(), canteen.StudentRef(caio.ID))
	require.NoError(t, err)
	assert.Zero(t, n)

	code, _ = s.do(t, http.MethodGet, "/api/actions/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(t, http.MethodPost, "/api/actions/initiate-delete-by-turma/", map[string]any{"turma": "9Z"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBiometricLoginReachesNewestLoginScreen(t *testing.T) {
	s := newStack(t)
	a := s.agent(t, 5)
	_, _, err := s.assoc.Associate(context.Background(), 5, canteen.OperatorRef(s.admin.ID))
	require.NoError(t, err)

	older := s.dial(t, "/ws/login")
	require.Eventually(t, func() bool { return s.hub.Count(hub.KindLogin) == 1 }, time.Second, 5*time.Millisecond)
	newer := s.dial(t, "/ws/login")
	require.Eventually(t, func() bool { return s.hub.Count(hub.KindLogin) == 2 }, time.Second, 5*time.Millisecond)

	a.Login(5)
	got := readType(t, newer, protocol.TypeOperatorLogin).(protocol.OperatorLogin)
	assert.Equal(t, protocol.LoginMatch, got.Status)
	claims, err := auth.ParseAccess(got.Access, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, s.admin.ID, claims.OperatorID)

	require.NoError(t, older.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = older.ReadMessage()
	assert.Error(t, err, "older login screen must not receive tokens")
}
