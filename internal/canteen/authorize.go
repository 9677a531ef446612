package canteen

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"lanchego/internal/protocol"
)

const dayLayout = "2006-01-02"

type VerdictKind int

const (
	Unknown VerdictKind = iota
	Granted
	AlreadyWithdrawnToday
)

func (k VerdictKind) String() string {
	switch k {
	case Granted:
		return "granted"
	case AlreadyWithdrawnToday:
		return "already_withdrawn"
	}
	return "unknown"
}

// Status maps the verdict to its identificacao.result status.
func (k VerdictKind) Status() string {
	switch k {
	case Granted:
		return protocol.VerdictGranted
	case AlreadyWithdrawnToday:
		return protocol.VerdictAlreadyWithdrawn
	}
	return protocol.VerdictUnknown
}

// Verdict is the outcome of a withdrawal attempt. Student is nil for Unknown.
type Verdict struct {
	Kind    VerdictKind
	Student *Student
	At      time.Time
}

// Engine decides whether a matched fingerprint may withdraw a snack today.
type Engine struct {
	repo  *Repository
	feed  Feed
	loc   *time.Location
	now   func() time.Time
	locks stripedLocks
	log   zerolog.Logger
}

func NewEngine(repo *Repository, feed Feed, loc *time.Location, logger zerolog.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	if feed == nil {
		feed = NewMemoryFeed(5)
	}
	return &Engine{repo: repo, feed: feed, loc: loc, now: time.Now, log: logger}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Day returns the calendar day t falls on in the engine's timezone.
func (e *Engine) Day(t time.Time) string {
	return t.In(e.loc).Format(dayLayout)
}

// Authorize resolves sensorID to a student and records today's withdrawal
// unless one already exists.
func (e *Engine) Authorize(ctx context.Context, sensorID int) (Verdict, error) {
	at := e.now()
	fp, err := e.repo.LookupFingerprint(ctx, sensorID)
	if errors.Is(err, ErrNotFound) {
		return Verdict{Kind: Unknown, At: at}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if fp.Owner.Kind != OwnerStudent {
		e.log.Info().Int("sensor_id", sensorID).Str("owner", fp.Owner.String()).Msg("operator finger on withdrawal reader")
		return Verdict{Kind: Unknown, At: at}, nil
	}

	st, err := e.repo.GetStudent(ctx, fp.Owner.ID)
	if errors.Is(err, ErrNotFound) {
		return Verdict{Kind: Unknown, At: at}, nil
	}
	if err != nil {
		return Verdict{}, err
	}

	unlock := e.locks.lock(uint64(st.ID))
	inserted, err := e.repo.InsertWithdrawal(ctx, st.ID, e.Day(at), at)
	unlock()
	if err != nil {
		return Verdict{}, err
	}
	if !inserted {
		return Verdict{Kind: AlreadyWithdrawnToday, Student: &st, At: at}, nil
	}

	entry := protocol.WithdrawalView{Name: st.FullName, Cohort: st.Cohort, Time: at.In(e.loc).Format("15:04")}
	if err := e.feed.Push(ctx, entry); err != nil {
		e.log.Error().Err(err).Int64("student_id", st.ID).Msg("recent withdrawals feed push failed")
	}
	e.log.Info().Int64("student_id", st.ID).Int("sensor_id", sensorID).Msg("withdrawal granted")
	return Verdict{Kind: Granted, Student: &st, At: at}, nil
}

// Recent returns the bounded recent-withdrawals feed.
func (e *Engine) Recent(ctx context.Context) ([]protocol.WithdrawalView, error) {
	return e.feed.Recent(ctx)
}

// Today lists every withdrawal of the current day.
func (e *Engine) Today(ctx context.Context) ([]Withdrawal, error) {
	return e.repo.WithdrawalsOn(ctx, e.Day(e.now()))
}

// Seed fills an empty feed from today's stored withdrawals.
func (e *Engine) Seed(ctx context.Context, size int) error {
	cur, err := e.feed.Recent(ctx)
	if err != nil || len(cur) > 0 {
		return err
	}
	today, err := e.Today(ctx)
	if err != nil {
		return err
	}
	if len(today) > size {
		today = today[:size]
	}
	// push oldest first so the newest ends on top
	for i := len(today) - 1; i >= 0; i-- {
		w := today[i]
		entry := protocol.WithdrawalView{Name: w.StudentName, Cohort: w.Cohort, Time: w.At.In(e.loc).Format("15:04")}
		if err := e.feed.Push(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// View projects a student for identificacao.result.
func (s Student) View() *protocol.StudentView {
	v := &protocol.StudentView{ID: s.ID, FullName: s.FullName, Cohort: s.Cohort, FingerprintCount: s.FingerprintCount}
	if s.Registration != nil {
		v.Registration = *s.Registration
	}
	return v
}
