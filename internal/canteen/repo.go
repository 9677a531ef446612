package canteen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanchego/internal/store"
)

// Repository persists students, operators, fingerprints and withdrawals.
type Repository struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db.Client, dialect: db.Dialect}
}

func (r *Repository) q(query string) string { return r.dialect.Rebind(query) }

const studentColumns = `s.id, s.full_name, s.registration, s.cohort, s.created_at,
	(SELECT COUNT(*) FROM fingerprints f WHERE f.student_id = s.id)`

const operatorColumns = `o.id, o.username, o.full_name, o.password_hash, o.is_admin, o.created_at,
	(SELECT COUNT(*) FROM fingerprints f WHERE f.operator_id = o.id)`

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (Student, error) {
	var st Student
	err := row.Scan(&st.ID, &st.FullName, &st.Registration, &st.Cohort, &st.CreatedAt, &st.FingerprintCount)
	return st, err
}

func scanOperator(row scanner) (Operator, error) {
	var op Operator
	err := row.Scan(&op.ID, &op.Username, &op.FullName, &op.PasswordHash, &op.IsAdmin, &op.CreatedAt, &op.FingerprintCount)
	return op, err
}

// CreateStudent inserts a student and returns it with its id.
func (r *Repository) CreateStudent(ctx context.Context, st Student) (Student, error) {
	if st.FullName == "" {
		return Student{}, errors.New("student name required")
	}
	if !ValidCohort(st.Cohort) {
		return Student{}, fmt.Errorf("%w: %q", ErrInvalidCohort, st.Cohort)
	}
	st.CreatedAt = time.Now().UTC()
	st.FingerprintCount = 0
	row := r.db.QueryRowContext(ctx, r.q(`
		INSERT INTO students (full_name, registration, cohort, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), st.FullName, st.Registration, st.Cohort, st.CreatedAt)
	if err := row.Scan(&st.ID); err != nil {
		return Student{}, err
	}
	return st, nil
}

// GetStudent returns a single student by id.
func (r *Repository) GetStudent(ctx context.Context, id int64) (Student, error) {
	st, err := scanStudent(r.db.QueryRowContext(ctx, r.q(`SELECT `+studentColumns+` FROM students s WHERE s.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, fmt.Errorf("student %d: %w", id, ErrNotFound)
	}
	return st, err
}

// ListStudentsByCohort returns the students of one cohort ordered by name.
func (r *Repository) ListStudentsByCohort(ctx context.Context, cohort string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+studentColumns+` FROM students s WHERE s.cohort = ? ORDER BY s.full_name`), cohort)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// CreateOperator inserts an operator. PasswordHash must already be hashed.
func (r *Repository) CreateOperator(ctx context.Context, op Operator) (Operator, error) {
	if op.Username == "" || op.PasswordHash == "" {
		return Operator{}, errors.New("operator username and password required")
	}
	if op.FullName == "" {
		op.FullName = op.Username
	}
	op.CreatedAt = time.Now().UTC()
	row := r.db.QueryRowContext(ctx, r.q(`
		INSERT INTO operators (username, full_name, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), op.Username, op.FullName, op.PasswordHash, op.IsAdmin, op.CreatedAt)
	if err := row.Scan(&op.ID); err != nil {
		return Operator{}, err
	}
	return op, nil
}

// GetOperator returns a single operator by id.
func (r *Repository) GetOperator(ctx context.Context, id int64) (Operator, error) {
	op, err := scanOperator(r.db.QueryRowContext(ctx, r.q(`SELECT `+operatorColumns+` FROM operators o WHERE o.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, fmt.Errorf("operator %d: %w", id, ErrNotFound)
	}
	return op, err
}

// GetOperatorByUsername returns the operator with the given login.
func (r *Repository) GetOperatorByUsername(ctx context.Context, username string) (Operator, error) {
	op, err := scanOperator(r.db.QueryRowContext(ctx, r.q(`SELECT `+operatorColumns+` FROM operators o WHERE o.username = ?`), username))
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, fmt.Errorf("operator %q: %w", username, ErrNotFound)
	}
	return op, err
}

func ownerColumn(kind OwnerKind) string {
	if kind == OwnerOperator {
		return "operator_id"
	}
	return "student_id"
}

func ownerTable(kind OwnerKind) string {
	if kind == OwnerOperator {
		return "operators"
	}
	return "students"
}

// OwnerExists reports whether the referenced student or operator exists.
func (r *Repository) OwnerExists(ctx context.Context, owner OwnerRef) (bool, error) {
	if err := owner.Validate(); err != nil {
		return false, err
	}
	var id int64
	err := r.db.QueryRowContext(ctx, r.q(`SELECT id FROM `+ownerTable(owner.Kind)+` WHERE id = ?`), owner.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CountFingerprints returns how many reader slots the owner holds.
func (r *Repository) CountFingerprints(ctx context.Context, owner OwnerRef) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM fingerprints WHERE `+ownerColumn(owner.Kind)+` = ?`), owner.ID).Scan(&n)
	return n, err
}

// BindFingerprint stores sensorID for owner inside one transaction and
// returns the owner's resulting fingerprint count. Binding a slot the owner
// already holds is a no-op.
func (r *Repository) BindFingerprint(ctx context.Context, sensorID int, owner OwnerRef, limit int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	lock := `SELECT id FROM ` + ownerTable(owner.Kind) + ` WHERE id = ?`
	if r.dialect == store.Postgres {
		lock += ` FOR UPDATE`
	}
	var ownerID int64
	if err := tx.QueryRowContext(ctx, r.q(lock), owner.ID).Scan(&ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%s: %w", owner, ErrNotFound)
		}
		return 0, err
	}

	countQuery := r.q(`SELECT COUNT(*) FROM fingerprints WHERE ` + ownerColumn(owner.Kind) + ` = ?`)
	var count int
	if err := tx.QueryRowContext(ctx, countQuery, owner.ID).Scan(&count); err != nil {
		return 0, err
	}

	var studentID, operatorID sql.NullInt64
	err = tx.QueryRowContext(ctx, r.q(`SELECT student_id, operator_id FROM fingerprints WHERE sensor_id = ?`), sensorID).Scan(&studentID, &operatorID)
	switch {
	case err == nil:
		if refFromColumns(studentID, operatorID) != owner {
			return 0, fmt.Errorf("sensor %d: %w", sensorID, ErrSensorSlotAlreadyBound)
		}
		return count, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	if count >= limit {
		return count, fmt.Errorf("%s has %d: %w", owner, count, ErrOwnerSlotLimitExceeded)
	}

	var sid, oid any
	if owner.Kind == OwnerOperator {
		oid = owner.ID
	} else {
		sid = owner.ID
	}
	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO fingerprints (sensor_id, student_id, operator_id, created_at)
		VALUES (?, ?, ?, ?)
	`), sensorID, sid, oid, time.Now().UTC()); err != nil {
		if store.IsUniqueViolation(err) {
			return 0, fmt.Errorf("sensor %d: %w", sensorID, ErrSensorSlotAlreadyBound)
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count + 1, nil
}

func refFromColumns(studentID, operatorID sql.NullInt64) OwnerRef {
	if operatorID.Valid {
		return OperatorRef(operatorID.Int64)
	}
	return StudentRef(studentID.Int64)
}

// LookupFingerprint returns the record bound to a reader slot.
func (r *Repository) LookupFingerprint(ctx context.Context, sensorID int) (Fingerprint, error) {
	var studentID, operatorID sql.NullInt64
	fp := Fingerprint{SensorID: sensorID}
	err := r.db.QueryRowContext(ctx, r.q(`SELECT student_id, operator_id, created_at FROM fingerprints WHERE sensor_id = ?`), sensorID).
		Scan(&studentID, &operatorID, &fp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Fingerprint{}, fmt.Errorf("sensor %d: %w", sensorID, ErrNotFound)
	}
	if err != nil {
		return Fingerprint{}, err
	}
	fp.Owner = refFromColumns(studentID, operatorID)
	return fp, nil
}

func (r *Repository) sensorIDs(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SensorIDsForOwner lists the slots held by one owner.
func (r *Repository) SensorIDsForOwner(ctx context.Context, owner OwnerRef) ([]int, error) {
	return r.sensorIDs(ctx, `SELECT sensor_id FROM fingerprints WHERE `+ownerColumn(owner.Kind)+` = ? ORDER BY sensor_id`, owner.ID)
}

// SensorIDsForCohort lists the slots held by every student of a cohort.
func (r *Repository) SensorIDsForCohort(ctx context.Context, cohort string) ([]int, error) {
	return r.sensorIDs(ctx, `
		SELECT f.sensor_id FROM fingerprints f
		JOIN students s ON s.id = f.student_id
		WHERE s.cohort = ?
		ORDER BY f.sensor_id
	`, cohort)
}

// AllSensorIDs lists every bound slot.
func (r *Repository) AllSensorIDs(ctx context.Context) ([]int, error) {
	return r.sensorIDs(ctx, `SELECT sensor_id FROM fingerprints ORDER BY sensor_id`)
}

// DeleteFingerprint removes one slot binding. It reports whether a row existed.
func (r *Repository) DeleteFingerprint(ctx context.Context, sensorID int) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM fingerprints WHERE sensor_id = ?`), sensorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteAllFingerprints drops every slot binding.
func (r *Repository) DeleteAllFingerprints(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM fingerprints`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertWithdrawal records a withdrawal unless the student already has one
// for day. It reports whether a row was written.
func (r *Repository) InsertWithdrawal(ctx context.Context, studentID int64, day string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO withdrawals (student_id, withdrawn_on, withdrawn_at)
		VALUES (?, ?, ?)
		ON CONFLICT (student_id, withdrawn_on) DO NOTHING
	`), studentID, day, at.UTC())
	if err != nil {
		if store.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// WithdrawalsOn returns the withdrawals of one day, newest first.
func (r *Repository) WithdrawalsOn(ctx context.Context, day string) ([]Withdrawal, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT w.id, w.student_id, w.withdrawn_on, w.withdrawn_at, s.full_name, s.cohort
		FROM withdrawals w
		JOIN students s ON s.id = w.student_id
		WHERE w.withdrawn_on = ?
		ORDER BY w.withdrawn_at DESC
	`), day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Withdrawal
	for rows.Next() {
		var w Withdrawal
		if err := rows.Scan(&w.ID, &w.StudentID, &w.Day, &w.At, &w.StudentName, &w.Cohort); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, operatorID int64, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO refresh_tokens (token, operator_id, expires_at)
		VALUES (?, ?, ?)
	`), token, operatorID, expiresAt.UTC())
	return err
}

// ConsumeRefreshToken revokes a live refresh token and returns its operator.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = ? AND revoked = FALSE AND expires_at > ?
	`), token, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, fmt.Errorf("refresh token: %w", ErrNotFound)
	}
	var operatorID int64
	err = r.db.QueryRowContext(ctx, r.q(`SELECT operator_id FROM refresh_tokens WHERE token = ?`), token).Scan(&operatorID)
	return operatorID, err
}

// OperatorForSensor returns the operator owning a slot.
func (r *Repository) OperatorForSensor(ctx context.Context, sensorID int) (Operator, error) {
	fp, err := r.LookupFingerprint(ctx, sensorID)
	if err != nil {
		return Operator{}, err
	}
	if fp.Owner.Kind != OwnerOperator {
		return Operator{}, fmt.Errorf("sensor %d is not an operator: %w", sensorID, ErrNotFound)
	}
	return r.GetOperator(ctx, fp.Owner.ID)
}
