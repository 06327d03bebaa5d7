package wire

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Binary frame layout, big-endian. New frames carry a discriminant byte;
// the legacy single-transaction frame (no discriminant) is still accepted
// because it is what the deployed relay fleet speaks.
//
//	single: 0x01 | id[16] | seq uint64 | len uint32 | payload
//	batch:  0x02 | count uint32 | (id[16] | seq uint64 | len uint32 | payload)*
//	legacy:        id[16] | seq uint64 | len uint32 | payload
const (
	frameSingle byte = 0x01
	frameBatch  byte = 0x02

	entryHeaderLen = 16 + 8 + 4
)

// Transaction is one opaque, ordered unit of document mutation. The relay
// never inspects Operations.
type Transaction struct {
	ID          uuid.UUID
	SequenceNum uint64
	Operations  []byte
}

// EncodeTransaction encodes a single tagged transaction frame.
func EncodeTransaction(tx Transaction) []byte {
	out := make([]byte, 0, 1+entryHeaderLen+len(tx.Operations))
	out = append(out, frameSingle)
	return appendEntry(out, tx)
}

// EncodeTransactionBatch encodes a tagged batch frame.
func EncodeTransactionBatch(txs []Transaction) []byte {
	n := 1 + 4
	for _, tx := range txs {
		n += entryHeaderLen + len(tx.Operations)
	}
	out := make([]byte, 0, n)
	out = append(out, frameBatch)
	out = binary.BigEndian.AppendUint32(out, uint32(len(txs)))
	for _, tx := range txs {
		out = appendEntry(out, tx)
	}
	return out
}

func appendEntry(out []byte, tx Transaction) []byte {
	out = append(out, tx.ID[:]...)
	out = binary.BigEndian.AppendUint64(out, tx.SequenceNum)
	out = binary.BigEndian.AppendUint32(out, uint32(len(tx.Operations)))
	return append(out, tx.Operations...)
}

func decodeEntry(data []byte) (Transaction, []byte, error) {
	if len(data) < entryHeaderLen {
		return Transaction{}, nil, errors.Errorf("wire: short transaction entry (%d bytes)", len(data))
	}
	var tx Transaction
	copy(tx.ID[:], data[:16])
	tx.SequenceNum = binary.BigEndian.Uint64(data[16:24])
	plen := binary.BigEndian.Uint32(data[24:28])
	rest := data[entryHeaderLen:]
	if uint32(len(rest)) < plen {
		return Transaction{}, nil, errors.Errorf("wire: transaction payload truncated: want %d, have %d", plen, len(rest))
	}
	tx.Operations = append([]byte(nil), rest[:plen]...)
	return tx, rest[plen:], nil
}

// DecodeTransactions decodes any of the three binary frame layouts into the
// transactions it carries. The tagged schemas are tried first; a legacy
// untagged frame can begin with any byte (the first id byte), so failure to
// parse a tagged layout falls through to the legacy attempt rather than
// erroring out.
func DecodeTransactions(data []byte) ([]Transaction, error) {
	if len(data) == 0 {
		return nil, errors.New("wire: empty binary frame")
	}
	if txs, err := decodeTagged(data); err == nil {
		return txs, nil
	}
	tx, rest, err := decodeEntry(data)
	if err == nil && len(rest) == 0 {
		return []Transaction{tx}, nil
	}
	return nil, errors.New("wire: unrecognized binary frame")
}

func decodeTagged(data []byte) ([]Transaction, error) {
	switch data[0] {
	case frameSingle:
		tx, rest, err := decodeEntry(data[1:])
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, errors.Errorf("wire: %d trailing bytes after single frame", len(rest))
		}
		return []Transaction{tx}, nil
	case frameBatch:
		if len(data) < 5 {
			return nil, errors.New("wire: short batch frame")
		}
		count := binary.BigEndian.Uint32(data[1:5])
		txs := make([]Transaction, 0, count)
		rest := data[5:]
		for i := uint32(0); i < count; i++ {
			var (
				tx  Transaction
				err error
			)
			tx, rest, err = decodeEntry(rest)
			if err != nil {
				return nil, errors.Wrapf(err, "wire: batch entry %d", i)
			}
			txs = append(txs, tx)
		}
		if len(rest) != 0 {
			return nil, errors.Errorf("wire: %d trailing bytes after batch frame", len(rest))
		}
		return txs, nil
	}
	return nil, errors.New("wire: no frame discriminant")
}
