package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string   { return &s }
func f64ptr(f float64) *float64 { return &f }
func boolptr(b bool) *bool      { return &b }

func TestEncodeControlTagsType(t *testing.T) {
	data, err := EncodeControl(Heartbeat{SessionID: uuid.New(), FileID: uuid.New()})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "Heartbeat", raw["type"])
	assert.Contains(t, raw, "session_id")
	assert.Contains(t, raw, "file_id")
}

func TestControlRoundTrip(t *testing.T) {
	msgs := []Control{
		EnterRoom{
			SessionID: uuid.New(),
			UserID:    "u1",
			FileID:    uuid.New(),
			FirstName: "Ada",
			LastName:  "Lovelace",
			SheetID:   uuid.NewString(),
			CellEdit:  CellEdit{Active: true, Text: "=SUM(", Cursor: 5},
		},
		LeaveRoom{SessionID: uuid.New(), FileID: uuid.New()},
		UserUpdate{
			SessionID: uuid.New(),
			FileID:    uuid.New(),
			Update:    PresenceUpdate{Selection: strptr("A1:B2"), X: f64ptr(10), Visible: boolptr(true)},
		},
		UsersInRoom{Users: []User{{SessionID: uuid.New(), UserID: "u2", FirstName: "Grace"}}},
		Heartbeat{SessionID: uuid.New(), FileID: uuid.New()},
		TransactionMsg{ID: uuid.New(), SessionID: uuid.New(), FileID: uuid.New(), SequenceNum: 7},
		TransactionsMsg{Transactions: []TransactionMsg{{ID: uuid.New(), SequenceNum: 3, Operations: "ops"}}},
		CurrentTransaction{SequenceNum: 42},
		GetTransactions{SessionID: uuid.New(), FileID: uuid.New(), MinSequenceNum: 12},
		ErrorMessage{Detail: "room full", Level: ErrorLevelWarning},
	}

	for _, msg := range msgs {
		data, err := EncodeControl(msg)
		require.NoError(t, err, "%s", msg.ControlType())

		got, err := DecodeControl(data)
		require.NoError(t, err, "%s", msg.ControlType())
		assert.Equal(t, msg, got)
	}
}

func TestDecodeControlUnknownType(t *testing.T) {
	_, err := DecodeControl([]byte(`{"type":"Bogus"}`))
	assert.Error(t, err)
}

func TestTransactionMsgIsAck(t *testing.T) {
	assert.True(t, TransactionMsg{ID: uuid.New(), SequenceNum: 5}.IsAck())
	assert.False(t, TransactionMsg{ID: uuid.New(), SequenceNum: 5, Operations: "x"}.IsAck())
}

func TestPresenceUpdateMerge(t *testing.T) {
	u := PresenceUpdate{Selection: strptr("A1"), X: f64ptr(1)}
	u.Merge(PresenceUpdate{Selection: strptr("B2"), Y: f64ptr(2)})

	assert.Equal(t, "B2", *u.Selection)
	assert.Equal(t, 1.0, *u.X)
	assert.Equal(t, 2.0, *u.Y)
	assert.Nil(t, u.SheetID)

	assert.True(t, PresenceUpdate{}.IsEmpty())
	assert.False(t, u.IsEmpty())
}
