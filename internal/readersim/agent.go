// Package readersim is a programmable stand-in for the fingerprint reader
// agent. It dials the agent websocket and answers reader commands the way
// the real device does, keeping its own template memory.
package readersim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lanchego/internal/protocol"
)

var ErrNotConnected = errors.New("reader simulator not connected")

type Options struct {
	// URL of the agent endpoint, e.g. ws://localhost:8000/ws/agent.
	URL   string
	Token string
	// Latency is waited before every simulated reply.
	Latency time.Duration
	// Heartbeat is the liveness interval; zero disables heartbeats.
	Heartbeat time.Duration
	// Capacity is the number of template slots, numbered from 1.
	Capacity int
	Dialer   *websocket.Dialer
	Logger   zerolog.Logger
}

// Agent simulates one reader. Control methods are safe to call from any
// goroutine; their effects run on the agent loop in call order.
type Agent struct {
	opts Options
	log  zerolog.Logger

	events chan func()
	ready  chan struct{}
	once   sync.Once

	mu         sync.Mutex
	slots      map[int]bool
	muted      bool
	failEnroll string
	failDelete map[int]bool
	commands   []protocol.HardwareCommand

	wmu sync.Mutex
	ws  *websocket.Conn
}

func New(opts Options) *Agent {
	if opts.Capacity <= 0 {
		opts.Capacity = 127
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Agent{
		opts:       opts,
		log:        opts.Logger,
		events:     make(chan func(), 32),
		ready:      make(chan struct{}),
		slots:      map[int]bool{},
		failDelete: map[int]bool{},
	}
}

// Ready is closed once the link is up and the reader reported conectado.
func (a *Agent) Ready() <-chan struct{} { return a.ready }

// Run dials the server and serves commands until ctx is done or the link
// drops.
func (a *Agent) Run(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.opts.Token)
	ws, resp, err := a.opts.Dialer.DialContext(ctx, a.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", a.opts.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", a.opts.URL, err)
	}
	a.wmu.Lock()
	a.ws = ws
	a.wmu.Unlock()
	defer func() {
		a.wmu.Lock()
		a.ws = nil
		a.wmu.Unlock()
		_ = ws.Close()
	}()

	inbound := make(chan protocol.Message, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			m, err := protocol.Decode(data)
			if err != nil {
				a.log.Warn().Err(err).Msg("undecodable server message")
				continue
			}
			select {
			case inbound <- m:
			case <-stop:
				return
			}
		}
	}()

	if err := a.send(protocol.ReaderStatus{Status: protocol.StatusConnected}); err != nil {
		return err
	}
	a.once.Do(func() { close(a.ready) })
	a.log.Info().Str("url", a.opts.URL).Msg("reader simulator connected")

	var beat <-chan time.Time
	if a.opts.Heartbeat > 0 {
		t := time.NewTicker(a.opts.Heartbeat)
		defer t.Stop()
		beat = t.C
	}
	for {
		select {
		case <-ctx.Done():
			a.wmu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			a.wmu.Unlock()
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("agent link: %w", err)
		case m := <-inbound:
			a.handle(m)
		case fn := <-a.events:
			fn()
		case <-beat:
			if err := a.send(protocol.Heartbeat{}); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if a.ws == nil {
		return ErrNotConnected
	}
	_ = a.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.ws.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) reply(m protocol.Message) {
	if a.opts.Latency > 0 {
		time.Sleep(a.opts.Latency)
	}
	if err := a.send(m); err != nil {
		a.log.Warn().Err(err).Str("type", string(m.Kind())).Msg("reply not sent")
	}
}

func (a *Agent) handle(m protocol.Message) {
	switch v := m.(type) {
	case protocol.HardwareCommand:
		a.mu.Lock()
		a.commands = append(a.commands, v)
		muted := a.muted
		a.mu.Unlock()
		if muted {
			a.log.Debug().Str("command", v.Command).Msg("muted, ignoring command")
			return
		}
		a.reply(protocol.HardwareAck{SessionID: v.SessionID})
		a.command(v)
	case protocol.Cancel:
		a.log.Debug().Msg("capture cancelled by server")
	case protocol.Error:
		a.log.Warn().Str("message", v.Message).Str("reason", v.Reason).Msg("server rejected a message")
	default:
		a.log.Debug().Str("type", string(m.Kind())).Msg("ignoring server message")
	}
}

func (a *Agent) command(cmd protocol.HardwareCommand) {
	switch cmd.Command {
	case protocol.CommandEnroll:
		a.enroll()
	case protocol.CommandIdentify:
		// waits for Place
	case protocol.CommandDelete:
		if cmd.SensorID == nil {
			a.reply(protocol.DeleteResult{Status: protocol.ResultError})
			return
		}
		id := *cmd.SensorID
		a.mu.Lock()
		failed := a.failDelete[id]
		if !failed {
			delete(a.slots, id)
		}
		a.mu.Unlock()
		status := protocol.ResultOK
		if failed {
			status = protocol.ResultError
		}
		a.reply(protocol.DeleteResult{Status: status, SensorID: id})
	case protocol.CommandClearAll:
		a.mu.Lock()
		a.slots = map[int]bool{}
		a.mu.Unlock()
		a.reply(protocol.ClearAllResult{Status: protocol.ResultOK})
	default:
		a.log.Warn().Str("command", cmd.Command).Msg("unknown reader command")
	}
}

func (a *Agent) enroll() {
	a.reply(protocol.EnrollFeedback{Message: "Coloque o dedo no leitor"})
	a.reply(protocol.EnrollFeedback{Message: "Retire o dedo"})
	a.reply(protocol.EnrollFeedback{Message: "Coloque o mesmo dedo novamente"})

	a.mu.Lock()
	fail := a.failEnroll
	a.failEnroll = ""
	slot := 0
	if fail == "" {
		for i := 1; i <= a.opts.Capacity; i++ {
			if !a.slots[i] {
				slot = i
				a.slots[i] = true
				break
			}
		}
	}
	a.mu.Unlock()

	switch {
	case fail != "":
		a.reply(protocol.EnrollError{Message: fail})
	case slot == 0:
		a.reply(protocol.EnrollError{Message: "Memória do leitor cheia"})
	default:
		a.reply(protocol.EnrollSuccess{SensorID: slot})
	}
}

func (a *Agent) post(fn func()) {
	a.events <- fn
}

// Place puts a finger whose template lives at sensorID on the reader. The
// reader reports a match when that slot holds a template, else no match.
func (a *Agent) Place(sensorID int) {
	a.post(func() {
		a.mu.Lock()
		stored := a.slots[sensorID]
		a.mu.Unlock()
		if stored {
			a.reply(protocol.IdentifyMatch{SensorID: sensorID})
			return
		}
		a.reply(protocol.IdentifyNoMatch{})
	})
}

// PlaceUnknown puts a finger the reader has never seen.
func (a *Agent) PlaceUnknown() { a.Place(0) }

// Login reports an operator login capture for sensorID.
func (a *Agent) Login(sensorID int) {
	a.post(func() {
		a.reply(protocol.OperatorLogin{Status: protocol.LoginMatch, SensorID: sensorID})
	})
}

// ReportStatus sends a status.leitor report, e.g. desconectado when the USB
// device is unplugged while the agent stays up.
func (a *Agent) ReportStatus(status string) {
	a.post(func() { a.reply(protocol.ReaderStatus{Status: status}) })
}

// Store preloads templates.
func (a *Agent) Store(ids ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.slots[id] = true
	}
}

// Stored lists the occupied slots in ascending order.
func (a *Agent) Stored() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.slots))
	for id := range a.slots {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Commands returns every reader command received so far.
func (a *Agent) Commands() []protocol.HardwareCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.HardwareCommand(nil), a.commands...)
}

// SetMuted makes the reader swallow commands without answering.
func (a *Agent) SetMuted(muted bool) {
	a.mu.Lock()
	a.muted = muted
	a.mu.Unlock()
}

// FailNextEnroll makes the next enrollment report message as its error.
func (a *Agent) FailNextEnroll(message string) {
	a.mu.Lock()
	a.failEnroll = message
	a.mu.Unlock()
}

// FailDelete makes erasing sensorID report an error.
func (a *Agent) FailDelete(sensorID int) {
	a.mu.Lock()
	a.failDelete[sensorID] = true
	a.mu.Unlock()
}
