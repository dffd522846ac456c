// Package sqlite implements bearmemori.Store on a single pure-Go
// SQLite file. Zero CGO required. All writers serialize through one
// connection; WAL keeps readers concurrent.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bearmemori/bearmemori"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements bearmemori.Store backed by a local SQLite file.
// Every mutation commits the row change, the FTS index maintenance and
// the audit entry in one transaction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ bearmemori.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
// The pragmas ride on the DSN so every fresh connection gets them.
func New(dbPath string, opts ...StoreOption) *Store {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init applies pending migrations. Safe to call on every startup; an
// up-to-date schema is a no-op.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	version, err := s.migrateUp()
	if err != nil {
		s.logger.Error("sqlite: init failed", "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Info("sqlite: init completed", "schema_version", version, "duration", time.Since(start))
	return nil
}

// Ping verifies the database file is reachable and writable enough to
// serve traffic.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Shared helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullStr maps "" to NULL for optional TEXT columns.
func nullStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func timeOut(t time.Time) string {
	return bearmemori.FormatTime(t)
}

func timePtrOut(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := bearmemori.FormatTime(*t)
	return &v
}

func timeIn(v string) (time.Time, error) {
	return bearmemori.ParseTime(v)
}

func timePtrIn(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := bearmemori.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// auditTx appends one audit row inside the caller's transaction. detail
// may be nil; anything else is serialized to JSON.
func auditTx(ctx context.Context, tx *sql.Tx, now time.Time, entityType, entityID string, action bearmemori.AuditAction, actor string, detail any) error {
	var detailJSON *string
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		v := string(data)
		detailJSON = &v
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (entity_type, entity_id, action, actor, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entityType, entityID, string(action), actor, detailJSON, timeOut(now),
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}
