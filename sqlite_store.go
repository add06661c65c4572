package pubz

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrBadTableName is returned by NewSQLiteStore for table names that are not
// plain SQL identifiers.
var ErrBadTableName = errors.New("table name must be a plain identifier")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteStore is a durable string-keyed Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Values are serialized with encoding/gob; callers must ensure V is
// gob-encodable. Error signals are rejected with ErrUnstorableSignal, the
// same policy every Store follows.
type SQLiteStore[V any] struct {
	db    *sql.DB
	table string
}

// Ensure SQLiteStore implements Store.
var _ Store[string, int] = (*SQLiteStore[int])(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore writing to table.
func NewSQLiteStore[V any](db *sql.DB, table string) (*SQLiteStore[V], error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrBadTableName, table)
	}
	s := &SQLiteStore[V]{db: db, table: table}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore[V]) initSchema() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			kind INTEGER NOT NULL,
			payload BLOB,
			stored_at INTEGER NOT NULL
		);`, s.table),
	)
	return err
}

// Get implements the Store interface.
func (s *SQLiteStore[V]) Get(ctx context.Context, key string) (Signal[V], bool, error) {
	var zero Signal[V]
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT kind, payload
		FROM %s
		WHERE key = ?`, s.table),
		key,
	)

	var kind int
	var payload []byte
	if err := row.Scan(&kind, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, err
	}

	switch SignalKind(kind) {
	case KindNext:
		v, err := decodeValue[V](payload)
		if err != nil {
			return zero, false, err
		}
		return NextSignal(v), true, nil
	case KindComplete:
		return CompleteSignal[V](), true, nil
	default:
		return zero, false, fmt.Errorf("row %q holds unexpected signal kind %d", key, kind)
	}
}

// Put implements the Store interface.
func (s *SQLiteStore[V]) Put(ctx context.Context, key string, sig Signal[V]) error {
	if sig.Kind() == KindError {
		return ErrUnstorableSignal
	}

	var payload []byte
	if sig.Kind() == KindNext {
		encoded, err := encodeValue(sig.Value())
		if err != nil {
			return err
		}
		payload = encoded
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, kind, payload, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			stored_at = excluded.stored_at`, s.table),
		key,
		int(sig.Kind()),
		payload,
		time.Now().UnixMilli(),
	)
	return err
}

// Evict implements the Store interface. Evicting an absent key is not an
// error.
func (s *SQLiteStore[V]) Evict(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE key = ?`, s.table),
		key,
	)
	return err
}

// encodeValue serializes a value using encoding/gob.
func encodeValue[V any](v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeValue deserializes a gob payload produced by encodeValue.
func decodeValue[V any](data []byte) (V, error) {
	var v V
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(&v); err != nil {
		var zero V
		return zero, err
	}
	return v, nil
}
