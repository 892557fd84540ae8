package types

import (
	"encoding/json"
	"time"
)

// transactionJSON is the wire form of a Transaction: timestamps travel as
// milliseconds since epoch and the derived status is included.
type transactionJSON struct {
	txAlias
	Timestamp int64    `json:"timestamp"`
	Status    TxStatus `json:"status"`
}

type txAlias Transaction

// MarshalJSON implements json.Marshaler
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		txAlias:   txAlias(t),
		Timestamp: t.Timestamp.UnixMilli(),
		Status:    t.Status(),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw transactionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Transaction(raw.txAlias)
	t.Timestamp = time.UnixMilli(raw.Timestamp).UTC()
	return nil
}
