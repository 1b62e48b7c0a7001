package strata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/revision"
)

// Transaction is an AtomicOperation that additionally durably backs up
// its buffered writes before Commit touches the Buffer, so a crash
// between the backup write and commit can be replayed on the next Start
// (spec.md §4.8). Two Transactions whose token sets do not overlap may
// commit concurrently, exactly like two AtomicOperations.
type Transaction struct {
	*AtomicOperation

	id         string
	backupPath string
}

// StartTransaction opens a new Transaction against envName, minting a
// fresh backup file id.
func (e *Engine) StartTransaction(ctx context.Context, envName string) (*Transaction, error) {
	op, err := e.StartAtomicOperation(ctx, envName)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	return &Transaction{
		AtomicOperation: op,
		id:              id,
		backupPath:      filepath.Join(op.env.bufferDir, "txn", id),
	}, nil
}

// Commit writes a durable backup of every buffered write, commits
// through the embedded AtomicOperation's canonical-lock-order protocol,
// and finally removes the backup file. If the process dies after the
// backup lands but before the backup is removed, Engine.Start replays it
// on the next launch.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.committed {
		tx.mu.Unlock()
		return fmt.Errorf("%w: transaction already committed", ErrAtomicStateInvalid)
	}
	writes := append([]pendingWrite(nil), tx.writes...)
	tx.mu.Unlock()

	if len(writes) > 0 {
		if err := tx.writeBackup(writes); err != nil {
			return err
		}
	}

	if err := tx.AtomicOperation.Commit(ctx); err != nil {
		return err
	}

	if len(writes) > 0 {
		if err := tx.removeBackup(); err != nil {
			tx.engine.log.Warnw("strata: committed transaction but could not remove its backup file",
				"path", tx.backupPath, "error", err)
		}
	}

	return nil
}

// txWrite is the JSON-serializable form of a pendingWrite, encoding a
// codec.Value's one meaningful field per its Kind rather than reaching
// into internal/codec for a general-purpose marshaler.
type txWrite struct {
	Field  string          `json:"field"`
	Kind   codec.Kind      `json:"kind"`
	Record int64           `json:"record"`
	Action revision.Action `json:"action"`

	Bool       bool    `json:"bool,omitempty"`
	Int        int32   `json:"int,omitempty"`
	Float      float32 `json:"float,omitempty"`
	Long       int64   `json:"long,omitempty"`
	Double     float64 `json:"double,omitempty"`
	Str        string  `json:"str,omitempty"`
	PosRecord  int64    `json:"pos_record,omitempty"`
	PosOrdinal int32    `json:"pos_ordinal,omitempty"`
}

func encodeTxWrite(w pendingWrite) txWrite {
	v := w.value
	out := txWrite{Field: w.field, Kind: v.Kind, Record: w.record, Action: w.action}

	switch v.Kind {
	case codec.KindBool:
		out.Bool = v.Bool()
	case codec.KindInt:
		out.Int = v.Int()
	case codec.KindFloat:
		out.Float = v.Float()
	case codec.KindLong, codec.KindTimestamp:
		out.Long = v.Long()
	case codec.KindDouble:
		out.Double = v.Double()
	case codec.KindLink:
		out.Long = v.Link()
	case codec.KindString, codec.KindTag:
		out.Str = v.String()
	case codec.KindPosition:
		p := v.Position()
		out.PosRecord = p.Record
		out.PosOrdinal = p.Ordinal
	}

	return out
}

func decodeTxWrite(w txWrite) pendingWrite {
	var v codec.Value

	switch w.Kind {
	case codec.KindNull:
		v = codec.NewNull()
	case codec.KindBool:
		v = codec.NewBool(w.Bool)
	case codec.KindInt:
		v = codec.NewInt(w.Int)
	case codec.KindFloat:
		v = codec.NewFloat(w.Float)
	case codec.KindLong:
		v = codec.NewLong(w.Long)
	case codec.KindDouble:
		v = codec.NewDouble(w.Double)
	case codec.KindLink:
		v = codec.NewLink(w.Long)
	case codec.KindString:
		v = codec.NewString(w.Str)
	case codec.KindTag:
		v = codec.NewTag(w.Str)
	case codec.KindTimestamp:
		v = codec.NewTimestamp(w.Long)
	case codec.KindPosition:
		v = codec.NewPosition(w.PosRecord, w.PosOrdinal)
	}

	return pendingWrite{field: w.Field, value: v, record: w.Record, action: w.Action}
}

func decodeTxBackup(data []byte) ([]pendingWrite, error) {
	var encoded []txWrite
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("strata: decode transaction backup: %w", err)
	}

	out := make([]pendingWrite, len(encoded))
	for i, w := range encoded {
		out[i] = decodeTxWrite(w)
	}

	return out, nil
}

func (tx *Transaction) writeBackup(writes []pendingWrite) error {
	encoded := make([]txWrite, len(writes))
	for i, w := range writes {
		encoded[i] = encodeTxWrite(w)
	}

	data, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("strata: encode transaction backup: %w", err)
	}

	if err := tx.engine.fs.MkdirAll(filepath.Dir(tx.backupPath), 0o755); err != nil {
		return fmt.Errorf("strata: mkdir transaction backup dir: %w", err)
	}

	if err := tx.engine.atomicWriter.WriteWithDefaults(tx.backupPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("strata: write transaction backup: %w", err)
	}

	return nil
}

func (tx *Transaction) removeBackup() error {
	if err := tx.engine.fs.Remove(tx.backupPath); err != nil {
		return fmt.Errorf("strata: remove transaction backup: %w", err)
	}
	return nil
}
