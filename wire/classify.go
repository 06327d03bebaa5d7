package wire

import "github.com/pkg/errors"

// Frame is one classified inbound message: either a set of transactions
// from a binary frame or a single control message. Exactly one of the two
// fields is set.
type Frame struct {
	Transactions []Transaction
	Control      Control
}

// Classify routes inbound bytes by structural matching: the binary schemas
// are attempted first, then JSON. Both encodings may appear for the same
// logical message during protocol evolution, so classification never
// assumes a fixed layout from the websocket frame type alone.
func Classify(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, errors.New("wire: empty frame")
	}
	if data[0] != '{' {
		txs, err := DecodeTransactions(data)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Transactions: txs}, nil
	}
	c, err := DecodeControl(data)
	if err != nil {
		// A binary payload can begin with '{' by coincidence.
		if txs, berr := DecodeTransactions(data); berr == nil {
			return Frame{Transactions: txs}, nil
		}
		return Frame{}, err
	}
	return Frame{Control: c}, nil
}
