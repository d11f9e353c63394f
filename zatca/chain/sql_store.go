package chain

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// SQLStore is a Store in a SQL table, shared by every process using the same database.
// The statements target SQLite; the sqlite driver is registered by this package.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (creating when missing) a SQLite database file and its chain table.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open chain database")
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, clock: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS chain_heads (
		unit TEXT PRIMARY KEY,
		counter INTEGER NOT NULL,
		hash TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, "create chain_heads table")
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Head(ctx context.Context, unit string) (Head, error) {
	var (
		counter   int64
		h         Head
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT counter, hash, updated_at FROM chain_heads WHERE unit = ?`, unit,
	).Scan(&counter, &h.Hash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Genesis, nil
	}
	if err != nil {
		return Head{}, errors.Wrap(err, "read chain head")
	}
	h.Counter = uint64(counter)
	if h.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Head{}, errors.Wrap(err, "chain head time")
	}
	return h, nil
}

func (s *SQLStore) Advance(ctx context.Context, unit string, prev, next Head) error {
	updatedAt := s.clock().UTC().Format(time.RFC3339Nano)

	var (
		res sql.Result
		err error
	)
	if prev.IsGenesis() {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO chain_heads (unit, counter, hash, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(unit) DO NOTHING`,
			unit, int64(next.Counter), next.Hash, updatedAt)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE chain_heads SET counter = ?, hash = ?, updated_at = ?
			WHERE unit = ? AND counter = ? AND hash = ?`,
			int64(next.Counter), next.Hash, updatedAt, unit, int64(prev.Counter), prev.Hash)
	}
	if err != nil {
		return errors.Wrap(err, "advance chain head")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "advance chain head")
	}
	if n == 0 {
		cur, err := s.Head(ctx, unit)
		if err != nil {
			return err
		}
		return staleHead(unit, prev, cur)
	}
	logger.WithFields(logrus.Fields{"unit": unit, "counter": next.Counter}).Debug("chain advanced")
	return nil
}
