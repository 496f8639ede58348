package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"raffle/internal/store"

	"github.com/go-sql-driver/mysql"
	"github.com/google/logger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

const tableName = "raffle_documents"

// nullBody marks a row that was reserved for locking but never written.
const nullBody = "null"

// Config describes the SQL database backing the store.
type Config struct {
	Driver      string
	DSN         string
	MaxAttempts int
}

// Store keeps one row per document in raffle_documents with a JSON body.
//
// Transactions first make sure every declared row exists (as a "null" body),
// then lock the rows with SELECT ... FOR UPDATE in a stable order, so first-time
// initialisation is serialised the same way as later updates. SQLite has no row
// locks; open it with _txlock=immediate so the transaction takes the write lock
// up front.
type Store struct {
	db          *sqlx.DB
	maxAttempts int
}

// Open connects using cfg.Driver and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("%w: sql driver %q", store.ErrUnknownDriver, cfg.Driver)
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", cfg.Driver, err)
	}
	logger.Infof("sqlstore: connected using %s driver", cfg.Driver)
	return New(db, cfg.MaxAttempts), nil
}

// New wraps an open database handle.
func New(db *sqlx.DB, maxAttempts int) *Store {
	return &Store{db: db, maxAttempts: store.Attempts(maxAttempts)}
}

// Migrate creates the documents table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
    collection VARCHAR(128) NOT NULL,
    doc_id     VARCHAR(128) NOT NULL,
    body       TEXT NOT NULL,
    PRIMARY KEY (collection, doc_id)
)`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref store.DocRef) (store.Document, bool, error) {
	return s.read(ctx, s.db, ref, false)
}

func (s *Store) Set(ctx context.Context, ref store.DocRef, doc store.Document, merge bool) error {
	if merge {
		return s.RunTransaction(ctx, []store.DocRef{ref}, func(tx store.Tx) error {
			return tx.Set(ref, doc, true)
		})
	}
	return s.upsert(ctx, s.db, ref, doc)
}

func (s *Store) RunTransaction(ctx context.Context, refs []store.DocRef, fn store.TxFunc) error {
	locked := append([]store.DocRef(nil), refs...)
	sort.Slice(locked, func(i, j int) bool { return locked[i].String() < locked[j].String() })

	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.runOnce(ctx, locked, fn)
		if err == nil || !retryable(err) {
			return err
		}
		logger.Infof("sqlstore: transaction conflicted (attempt %d/%d): %v", attempt, s.maxAttempts, err)
	}
	return fmt.Errorf("%w: %v", store.ErrTooManyAttempts, err)
}

func (s *Store) runOnce(ctx context.Context, refs []store.DocRef, fn store.TxFunc) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	for _, ref := range refs {
		if err = s.reserve(ctx, sqlTx, ref); err != nil {
			return err
		}
	}

	tx := &docTx{ctx: ctx, s: s, tx: sqlTx, ws: store.NewWriteSet(refs)}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.ws.Writes(func(ref store.DocRef, doc store.Document) error {
		return s.upsert(ctx, sqlTx, ref, doc)
	}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) reserve(ctx context.Context, ext sqlx.ExtContext, ref store.DocRef) error {
	var q string
	switch s.db.DriverName() {
	case DriverMySQL:
		q = `INSERT IGNORE INTO ` + tableName + ` (collection, doc_id, body) VALUES (?, ?, ?)`
	default:
		q = `INSERT INTO ` + tableName + ` (collection, doc_id, body) VALUES (?, ?, ?) ON CONFLICT (collection, doc_id) DO NOTHING`
	}
	if _, err := ext.ExecContext(ctx, s.db.Rebind(q), ref.Collection, ref.ID, nullBody); err != nil {
		return fmt.Errorf("sqlstore: reserve %s: %w", ref, err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, ext sqlx.ExtContext, ref store.DocRef, doc store.Document) error {
	body, err := store.EncodeDocument(doc)
	if err != nil {
		return err
	}
	var q string
	switch s.db.DriverName() {
	case DriverMySQL:
		q = `INSERT INTO ` + tableName + ` (collection, doc_id, body) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE body = VALUES(body)`
	default:
		q = `INSERT INTO ` + tableName + ` (collection, doc_id, body) VALUES (?, ?, ?) ON CONFLICT (collection, doc_id) DO UPDATE SET body = excluded.body`
	}
	if _, err := ext.ExecContext(ctx, s.db.Rebind(q), ref.Collection, ref.ID, string(body)); err != nil {
		return fmt.Errorf("sqlstore: write %s: %w", ref, err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, q sqlx.QueryerContext, ref store.DocRef, lock bool) (store.Document, bool, error) {
	query := `SELECT body FROM ` + tableName + ` WHERE collection = ? AND doc_id = ?`
	if lock && s.db.DriverName() != DriverSQLite {
		query += ` FOR UPDATE`
	}
	var body string
	err := sqlx.GetContext(ctx, q, &body, s.db.Rebind(query), ref.Collection, ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: read %s: %w", ref, err)
	}
	if body == nullBody {
		return nil, false, nil
	}
	doc, err := store.DecodeDocument([]byte(body))
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// retryable reports driver errors that mean "run the transaction again".
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

type docTx struct {
	ctx context.Context
	s   *Store
	tx  *sqlx.Tx
	ws  *store.WriteSet
}

func (t *docTx) Get(ref store.DocRef) (store.Document, bool, error) {
	if !t.ws.Declared(ref) {
		return nil, false, fmt.Errorf("%w: %s", store.ErrUndeclaredRef, ref)
	}
	if doc, ok := t.ws.Pending(ref); ok {
		return doc.Merge(nil), true, nil
	}
	doc, ok, err := t.s.read(t.ctx, t.tx, ref, true)
	if err != nil {
		return nil, false, err
	}
	t.ws.Observe(ref, doc)
	return doc, ok, nil
}

func (t *docTx) Set(ref store.DocRef, doc store.Document, merge bool) error {
	if merge && !t.ws.Observed(ref) {
		if _, _, err := t.Get(ref); err != nil {
			return err
		}
	}
	return t.ws.Stage(ref, doc, merge)
}
