package canteen

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrOwnerSlotLimitExceeded = errors.New("owner already has the maximum number of fingerprints")
	ErrSensorSlotAlreadyBound = errors.New("sensor slot already bound to another owner")
	ErrInvalidCohort          = errors.New("invalid cohort")
	ErrInvalidOwner           = errors.New("invalid fingerprint owner")
)

// MaxFingerprintsPerOwner bounds how many reader slots one person may hold.
const MaxFingerprintsPerOwner = 2

// Cohorts lists the classes students belong to.
var Cohorts = []string{"1E", "2E", "3E", "1I", "2I", "3I"}

// ValidCohort reports whether c is one of Cohorts.
func ValidCohort(c string) bool {
	for _, known := range Cohorts {
		if c == known {
			return true
		}
	}
	return false
}

type OwnerKind string

const (
	OwnerStudent  OwnerKind = "student"
	OwnerOperator OwnerKind = "operator"
)

// OwnerRef points at the person a fingerprint belongs to.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   int64     `json:"id"`
}

func StudentRef(id int64) OwnerRef  { return OwnerRef{Kind: OwnerStudent, ID: id} }
func OperatorRef(id int64) OwnerRef { return OwnerRef{Kind: OwnerOperator, ID: id} }

func (o OwnerRef) String() string { return fmt.Sprintf("%s:%d", o.Kind, o.ID) }

// Validate checks the kind and id.
func (o OwnerRef) Validate() error {
	if (o.Kind != OwnerStudent && o.Kind != OwnerOperator) || o.ID <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOwner, o)
	}
	return nil
}

// Student is a person allowed to withdraw a snack once a day.
type Student struct {
	ID               int64     `json:"id"`
	FullName         string    `json:"nome_completo"`
	Registration     *string   `json:"matricula,omitempty"`
	Cohort           string    `json:"turma"`
	FingerprintCount int       `json:"digitais_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// Operator is a staff member who runs the canteen screens.
type Operator struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	FullName         string    `json:"nome_completo"`
	PasswordHash     string    `json:"-"`
	IsAdmin          bool      `json:"is_admin"`
	FingerprintCount int       `json:"digitais_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// Fingerprint binds a reader slot to its owner.
type Fingerprint struct {
	SensorID  int       `json:"sensor_id"`
	Owner     OwnerRef  `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// Withdrawal records one snack handed to a student on a calendar day.
type Withdrawal struct {
	ID          int64     `json:"id"`
	StudentID   int64     `json:"aluno_id"`
	Day         string    `json:"dia"`
	At          time.Time `json:"horario"`
	StudentName string    `json:"nome"`
	Cohort      string    `json:"turma"`
}
