package checkpoint

import (
	"fmt"
	"strconv"
	"time"
)

// Checkpoint records the last successfully committed position for one
// table within a run. It is written in the same transaction as the batch
// it describes, so it can never run ahead of the data. Offsets only ever
// move forward.
type Checkpoint struct {
	RunID       string    `json:"run_id"`
	Table       string    `json:"table"`
	LastPK      string    `json:"last_pk"` // encoded, see EncodePK
	RowsWritten int64     `json:"rows_written"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EncodePK renders a primary-key value into the textual form stored in
// the checkpoint table. Integer and textual keys are supported; that is
// what keyset pagination rides on.
func EncodePK(pk any) (string, error) {
	switch v := pk.(type) {
	case int64:
		return "i:" + strconv.FormatInt(v, 10), nil
	case string:
		return "s:" + v, nil
	default:
		return "", fmt.Errorf("unsupported primary key type %T", pk)
	}
}

// DecodePK reverses EncodePK.
func DecodePK(encoded string) (any, error) {
	if len(encoded) < 2 || encoded[1] != ':' {
		return nil, fmt.Errorf("malformed checkpoint key %q", encoded)
	}
	switch encoded[0] {
	case 'i':
		n, err := strconv.ParseInt(encoded[2:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed integer checkpoint key %q", encoded)
		}
		return n, nil
	case 's':
		return encoded[2:], nil
	default:
		return nil, fmt.Errorf("unknown checkpoint key tag %q", encoded[0])
	}
}
