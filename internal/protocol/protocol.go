// Package protocol defines the JSON messages exchanged between browser
// clients, the server and the fingerprint reader agent.
//
// Every message travels as a flat object carrying a "type" discriminator.
// The set of types is closed: Decode rejects anything it does not know.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates message kinds on the wire.
type Type string

const (
	TypeReaderStatus      Type = "status.leitor"
	TypeHardwareCommand   Type = "hardware.command"
	TypeHardwareAck       Type = "hardware.ack"
	TypeHeartbeat         Type = "hardware.heartbeat"
	TypeCancel            Type = "hardware.cancel"
	TypeEnrollFeedback    Type = "cadastro.feedback"
	TypeEnrollSuccess     Type = "cadastro.success"
	TypeEnrollError       Type = "cadastro.error"
	TypeIdentifyMatch     Type = "identificacao.match"
	TypeIdentifyNoMatch   Type = "identificacao.nomatch"
	TypeIdentifyResult    Type = "identificacao.result"
	TypeRecentWithdrawals Type = "retiradas.recentes"
	TypeDeleteResult      Type = "delete.result"
	TypeClearAllResult    Type = "clearall.result"
	TypeActionFeedback    Type = "action.feedback"
	TypeCoordinatorState  Type = "coordinator.state"
	TypeOperatorLogin     Type = "operador.login"
	TypeError             Type = "error"
)

// Reader status values carried by status.leitor.
const (
	StatusConnected    = "conectado"
	StatusDisconnected = "desconectado"
)

// Reader commands carried by hardware.command.
const (
	CommandEnroll   = "CADASTRO"
	CommandIdentify = "IDENTIFICAR"
	CommandDelete   = "DELETAR"
	CommandClearAll = "LIMPAR_TUDO"
)

// Verdicts carried by identificacao.result.
const (
	VerdictGranted          = "LIBERADO"
	VerdictAlreadyWithdrawn = "JÁ RETIROU"
	VerdictUnknown          = "NAO_ENCONTRADO"
	VerdictFailed           = "ERRO"
)

// Result statuses for delete.result, clearall.result and operador.login.
const (
	ResultOK    = "OK"
	ResultError = "ERRO"
	LoginMatch  = "MATCH"
)

// Action feedback statuses.
const (
	ActionStarted  = "started"
	ActionProgress = "progress"
	ActionSuccess  = "success"
	ActionError    = "error"
)

// Failure reasons attached to error-bearing messages.
const (
	ReasonSessionBusy      = "SessionBusy"
	ReasonCaptureTimeout   = "CaptureTimeout"
	ReasonCaptureError     = "CaptureError"
	ReasonSlotLimit        = "OwnerSlotLimitExceeded"
	ReasonSlotBound        = "SensorSlotAlreadyBound"
	ReasonUnauthorized     = "Unauthorized"
	ReasonConnectivityLost = "ConnectivityLost"
	ReasonCancelled        = "Cancelled"
	ReasonInternal         = "InternalError"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Message is implemented by every wire message.
type Message interface {
	Kind() Type
}

type ReaderStatus struct {
	Status string `json:"status"`
}

// HardwareCommand is sent by clients to start enrollment and by the server
// to drive the reader.
type HardwareCommand struct {
	Command    string `json:"command"`
	SessionID  string `json:"session_id,omitempty"`
	SensorID   *int   `json:"sensor_id,omitempty"`
	StudentID  *int64 `json:"aluno_id,omitempty"`
	OperatorID *int64 `json:"servidor_id,omitempty"`
	Slot       int    `json:"slot,omitempty"`
}

type HardwareAck struct {
	SessionID string `json:"session_id,omitempty"`
}

type Heartbeat struct{}

type Cancel struct{}

type EnrollFeedback struct {
	Message string `json:"message"`
}

type EnrollSuccess struct {
	SensorID   int    `json:"sensor_id"`
	StudentID  *int64 `json:"aluno_id,omitempty"`
	OperatorID *int64 `json:"servidor_id,omitempty"`
	Count      int    `json:"digitais_count,omitempty"`
}

type EnrollError struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type IdentifyMatch struct {
	SensorID int `json:"sensor_id"`
}

type IdentifyNoMatch struct{}

// StudentView is the student projection shown on the withdrawal screen.
type StudentView struct {
	ID               int64  `json:"id"`
	FullName         string `json:"nome_completo"`
	Registration     string `json:"matricula,omitempty"`
	Cohort           string `json:"turma"`
	FingerprintCount int    `json:"digitais_count"`
}

type IdentifyResult struct {
	Status  string       `json:"status"`
	Student *StudentView `json:"aluno"`
	Reason  string       `json:"reason,omitempty"`
}

type WithdrawalView struct {
	Name   string `json:"nome"`
	Cohort string `json:"turma"`
	Time   string `json:"horario"`
}

type RecentWithdrawals struct {
	Entries []WithdrawalView `json:"retiradas"`
}

type DeleteResult struct {
	Status   string `json:"status"`
	SensorID int    `json:"sensor_id"`
	TicketID string `json:"ticket_id,omitempty"`
}

type ClearAllResult struct {
	Status   string `json:"status"`
	TicketID string `json:"ticket_id,omitempty"`
}

type ActionFeedback struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	TicketID string `json:"ticket_id,omitempty"`
}

type CoordinatorState struct {
	State       string `json:"state"`
	SessionKind string `json:"kind,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

type OperatorLogin struct {
	Status   string `json:"status"`
	SensorID int    `json:"sensor_id"`
	Access   string `json:"access,omitempty"`
	Refresh  string `json:"refresh,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func (ReaderStatus) Kind() Type      { return TypeReaderStatus }
func (HardwareCommand) Kind() Type   { return TypeHardwareCommand }
func (HardwareAck) Kind() Type       { return TypeHardwareAck }
func (Heartbeat) Kind() Type         { return TypeHeartbeat }
func (Cancel) Kind() Type            { return TypeCancel }
func (EnrollFeedback) Kind() Type    { return TypeEnrollFeedback }
func (EnrollSuccess) Kind() Type     { return TypeEnrollSuccess }
func (EnrollError) Kind() Type       { return TypeEnrollError }
func (IdentifyMatch) Kind() Type     { return TypeIdentifyMatch }
func (IdentifyNoMatch) Kind() Type   { return TypeIdentifyNoMatch }
func (IdentifyResult) Kind() Type    { return TypeIdentifyResult }
func (RecentWithdrawals) Kind() Type { return TypeRecentWithdrawals }
func (DeleteResult) Kind() Type      { return TypeDeleteResult }
func (ClearAllResult) Kind() Type    { return TypeClearAllResult }
func (ActionFeedback) Kind() Type    { return TypeActionFeedback }
func (CoordinatorState) Kind() Type  { return TypeCoordinatorState }
func (OperatorLogin) Kind() Type     { return TypeOperatorLogin }
func (Error) Kind() Type             { return TypeError }

// Encode serialises m with its type discriminator as the first field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	typ, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a wire message into its concrete type.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch env.Type {
	case TypeReaderStatus:
		m = &ReaderStatus{}
	case TypeHardwareCommand:
		m = &HardwareCommand{}
	case TypeHardwareAck:
		m = &HardwareAck{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeCancel:
		m = &Cancel{}
	case TypeEnrollFeedback:
		m = &EnrollFeedback{}
	case TypeEnrollSuccess:
		m = &EnrollSuccess{}
	case TypeEnrollError:
		m = &EnrollError{}
	case TypeIdentifyMatch:
		m = &IdentifyMatch{}
	case TypeIdentifyNoMatch:
		m = &IdentifyNoMatch{}
	case TypeIdentifyResult:
		m = &IdentifyResult{}
	case TypeRecentWithdrawals:
		m = &RecentWithdrawals{}
	case TypeDeleteResult:
		m = &DeleteResult{}
	case TypeClearAllResult:
		m = &ClearAllResult{}
	case TypeActionFeedback:
		m = &ActionFeedback{}
	case TypeCoordinatorState:
		m = &CoordinatorState{}
	case TypeOperatorLogin:
		m = &OperatorLogin{}
	case TypeError:
		m = &Error{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return deref(m), nil
}

// deref returns the value form so callers can type-switch on plain structs.
func deref(m Message) Message {
	switch v := m.(type) {
	case *ReaderStatus:
		return *v
	case *HardwareCommand:
		return *v
	case *HardwareAck:
		return *v
	case *Heartbeat:
		return *v
	case *Cancel:
		return *v
	case *EnrollFeedback:
		return *v
	case *EnrollSuccess:
		return *v
	case *EnrollError:
		return *v
	case *IdentifyMatch:
		return *v
	case *IdentifyNoMatch:
		return *v
	case *IdentifyResult:
		return *v
	case *RecentWithdrawals:
		return *v
	case *DeleteResult:
		return *v
	case *ClearAllResult:
		return *v
	case *ActionFeedback:
		return *v
	case *CoordinatorState:
		return *v
	case *OperatorLogin:
		return *v
	case *Error:
		return *v
	}
	return m
}

// FromAgent reports whether the reader agent is allowed to send m.
func FromAgent(m Message) bool {
	switch m.Kind() {
	case TypeReaderStatus, TypeHardwareAck, TypeHeartbeat,
		TypeEnrollFeedback, TypeEnrollSuccess, TypeEnrollError,
		TypeIdentifyMatch, TypeIdentifyNoMatch,
		TypeDeleteResult, TypeClearAllResult, TypeOperatorLogin:
		return true
	}
	return false
}

// FromClient reports whether a browser client is allowed to send m.
func FromClient(m Message) bool {
	switch m.Kind() {
	case TypeHardwareCommand, TypeCancel:
		return true
	}
	return false
}
