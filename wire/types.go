// Package wire defines the messages exchanged with the relay server: a
// tagged-union JSON format for control traffic and a compact binary format
// for transaction frames. The relay never looks inside transaction payloads;
// they are opaque bytes owned by the document engine.
package wire

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MessageType tags a JSON control message.
type MessageType string

const (
	TypeEnterRoom          MessageType = "EnterRoom"
	TypeLeaveRoom          MessageType = "LeaveRoom"
	TypeUserUpdate         MessageType = "UserUpdate"
	TypeUsersInRoom        MessageType = "UsersInRoom"
	TypeHeartbeat          MessageType = "Heartbeat"
	TypeTransaction        MessageType = "Transaction"
	TypeTransactions       MessageType = "Transactions"
	TypeCurrentTransaction MessageType = "CurrentTransaction"
	TypeGetTransactions    MessageType = "GetTransactions"
	TypeError              MessageType = "Error"
)

// Control is any JSON control message.
type Control interface {
	ControlType() MessageType
}

// CellEdit is the in-progress cell editor state shared with collaborators.
type CellEdit struct {
	Active     bool   `json:"active"`
	Text       string `json:"text"`
	Cursor     int    `json:"cursor"`
	CodeEditor bool   `json:"code_editor"`
}

// PresenceUpdate is a partial presence record. Nil fields are unchanged;
// merging two updates keeps the later non-nil value per field.
type PresenceUpdate struct {
	SheetID     *string   `json:"sheet_id,omitempty"`
	Selection   *string   `json:"selection,omitempty"`
	CellEdit    *CellEdit `json:"cell_edit,omitempty"`
	Viewport    *string   `json:"viewport,omitempty"`
	CodeRunning *string   `json:"code_running,omitempty"`
	Follow      *string   `json:"follow,omitempty"`
	X           *float64  `json:"x,omitempty"`
	Y           *float64  `json:"y,omitempty"`
	Visible     *bool     `json:"visible,omitempty"`
}

// IsEmpty reports whether no field has been set.
func (u PresenceUpdate) IsEmpty() bool {
	return u.SheetID == nil && u.Selection == nil && u.CellEdit == nil &&
		u.Viewport == nil && u.CodeRunning == nil && u.Follow == nil &&
		u.X == nil && u.Y == nil && u.Visible == nil
}

// Merge overlays next onto u, later non-nil fields winning.
func (u *PresenceUpdate) Merge(next PresenceUpdate) {
	if next.SheetID != nil {
		u.SheetID = next.SheetID
	}
	if next.Selection != nil {
		u.Selection = next.Selection
	}
	if next.CellEdit != nil {
		u.CellEdit = next.CellEdit
	}
	if next.Viewport != nil {
		u.Viewport = next.Viewport
	}
	if next.CodeRunning != nil {
		u.CodeRunning = next.CodeRunning
	}
	if next.Follow != nil {
		u.Follow = next.Follow
	}
	if next.X != nil {
		u.X = next.X
	}
	if next.Y != nil {
		u.Y = next.Y
	}
	if next.Visible != nil {
		u.Visible = next.Visible
	}
}

// User is one collaborator as reported in the room roster.
type User struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    string    `json:"user_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Image     string    `json:"image"`
	SheetID   string    `json:"sheet_id"`
	Selection string    `json:"selection"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Visible   bool      `json:"visible"`
}

// EnterRoom announces a session joining a document room, carrying the
// current presence snapshot so peers render the joiner immediately.
type EnterRoom struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    string    `json:"user_id"`
	FileID    uuid.UUID `json:"file_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Image     string    `json:"image"`
	SheetID   string    `json:"sheet_id"`
	Selection string    `json:"selection"`
	CellEdit  CellEdit  `json:"cell_edit"`
	Viewport  string    `json:"viewport"`
}

func (EnterRoom) ControlType() MessageType { return TypeEnterRoom }

// LeaveRoom announces a session leaving a document room.
type LeaveRoom struct {
	SessionID uuid.UUID `json:"session_id"`
	FileID    uuid.UUID `json:"file_id"`
}

func (LeaveRoom) ControlType() MessageType { return TypeLeaveRoom }

// UserUpdate carries one batched presence update for a session.
type UserUpdate struct {
	SessionID uuid.UUID      `json:"session_id"`
	FileID    uuid.UUID      `json:"file_id"`
	Update    PresenceUpdate `json:"update"`
}

func (UserUpdate) ControlType() MessageType { return TypeUserUpdate }

// UsersInRoom is the full roster, broadcast on join and leave.
type UsersInRoom struct {
	Users []User `json:"users"`
}

func (UsersInRoom) ControlType() MessageType { return TypeUsersInRoom }

// Heartbeat keeps the relay connection alive during idle periods. It carries
// no sequence semantics and is never acknowledged.
type Heartbeat struct {
	SessionID uuid.UUID `json:"session_id"`
	FileID    uuid.UUID `json:"file_id"`
}

func (Heartbeat) ControlType() MessageType { return TypeHeartbeat }

// TransactionMsg is the JSON form of a transaction. The server also uses it
// as the ack for a locally sent transaction: same id, the assigned
// sequence_num, and empty operations.
type TransactionMsg struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	FileID      uuid.UUID `json:"file_id"`
	Operations  string    `json:"operations"`
	SequenceNum uint64    `json:"sequence_num"`
}

func (TransactionMsg) ControlType() MessageType { return TypeTransaction }

// IsAck reports whether this message acknowledges a local send rather than
// delivering a remote transaction.
func (m TransactionMsg) IsAck() bool { return len(m.Operations) == 0 }

// TransactionsMsg is the JSON batch form, used as a backfill response
// fallback when the binary batch frame is unavailable.
type TransactionsMsg struct {
	Transactions []TransactionMsg `json:"transactions"`
}

func (TransactionsMsg) ControlType() MessageType { return TypeTransactions }

// CurrentTransaction advertises the server's latest assigned sequence
// number, sent on room entry to seat the client's cursor.
type CurrentTransaction struct {
	SequenceNum uint64 `json:"sequence_num"`
}

func (CurrentTransaction) ControlType() MessageType { return TypeCurrentTransaction }

// GetTransactions requests backfill of every transaction with sequence
// number >= MinSequenceNum.
type GetTransactions struct {
	SessionID      uuid.UUID `json:"session_id"`
	FileID         uuid.UUID `json:"file_id"`
	MinSequenceNum uint64    `json:"min_sequence_num"`
}

func (GetTransactions) ControlType() MessageType { return TypeGetTransactions }

// ErrorLevel grades a server-reported error.
type ErrorLevel string

const (
	ErrorLevelWarning ErrorLevel = "warning"
	ErrorLevelFatal   ErrorLevel = "fatal"
)

// ErrorMessage is a server-reported protocol error. Fatal errors mean the
// local transaction log cannot be reconciled and force a document reload.
type ErrorMessage struct {
	Detail string     `json:"error"`
	Level  ErrorLevel `json:"error_level"`
}

func (ErrorMessage) ControlType() MessageType { return TypeError }

// EncodeControl marshals a control message with its type tag spliced in
// as the leading field.
func EncodeControl(c Control) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrapf(err, "wire: encode %s", c.ControlType())
	}
	tag := []byte(`{"type":"` + string(c.ControlType()) + `"`)
	if len(body) <= 2 { // empty object
		return append(tag, '}'), nil
	}
	out := make([]byte, 0, len(tag)+1+len(body)-1)
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// DecodeControl parses a JSON control message by its type tag.
func DecodeControl(data []byte) (Control, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "wire: decode control")
	}
	var (
		c   Control
		err error
	)
	switch probe.Type {
	case TypeEnterRoom:
		m := EnterRoom{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeLeaveRoom:
		m := LeaveRoom{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeUserUpdate:
		m := UserUpdate{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeUsersInRoom:
		m := UsersInRoom{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeHeartbeat:
		m := Heartbeat{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeTransaction:
		m := TransactionMsg{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeTransactions:
		m := TransactionsMsg{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeCurrentTransaction:
		m := CurrentTransaction{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeGetTransactions:
		m := GetTransactions{}
		err = json.Unmarshal(data, &m)
		c = m
	case TypeError:
		m := ErrorMessage{}
		err = json.Unmarshal(data, &m)
		c = m
	default:
		return nil, errors.Errorf("wire: unknown control message type %q", probe.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "wire: decode %s", probe.Type)
	}
	return c, nil
}
