package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a request record does not exist.
var ErrNotFound = errors.New("request not found")

// SQLiteStore implements the engine.RequestStore interface using SQLite
// and emits change events on the attached feed after every write.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	feed *Feed
	now  func() time.Time
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. The feed may be nil,
// in which case writes emit no change events (useful for tooling that only
// reads or repairs records).
func NewSQLiteStore(cfg Config, feed *Feed) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:  cfg,
		feed: feed,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Create inserts a new request record and emits an insert change event.
func (s *SQLiteStore) Create(ctx context.Context, req *engine.Request) error {
	now := s.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	query := `
		INSERT INTO enclave_requests (id, status, configuration, wallet_address, error_message, error_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	configuration := string(req.Configuration)
	if configuration == "" {
		configuration = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		req.Status,
		configuration,
		req.WalletAddress,
		req.ErrorMessage,
		req.ErrorType,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	s.publish(engine.ChangeInsert, req)
	return nil
}

// Get retrieves a request record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*engine.Request, error) {
	query := `
		SELECT id, status, configuration, wallet_address, error_message, error_type, created_at, updated_at
		FROM enclave_requests
		WHERE id = ?
	`

	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	return req, nil
}

// UpdateFields applies a partial, unconditional overwrite of the record and
// refreshes updated_at. Last writer wins: normal operation has at most one
// active workflow per id, enforced by the dispatcher.
func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, update engine.FieldUpdate) error {
	set := "updated_at = ?"
	args := []interface{}{s.now()}

	if update.Status != nil {
		set += ", status = ?"
		args = append(args, *update.Status)
	}
	if update.ErrorMessage != nil {
		set += ", error_message = ?"
		args = append(args, *update.ErrorMessage)
	}
	if update.ErrorType != nil {
		set += ", error_type = ?"
		args = append(args, *update.ErrorType)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE enclave_requests SET %s WHERE id = ?", set)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if req, err := s.Get(ctx, id); err == nil {
		s.publish(engine.ChangeModify, req)
	}
	return nil
}

// ListByStatus returns all requests in the given status, oldest update first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status engine.Status) ([]*engine.Request, error) {
	query := `
		SELECT id, status, configuration, wallet_address, error_message, error_type, created_at, updated_at
		FROM enclave_requests
		WHERE status = ?
		ORDER BY updated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ListStale returns records sitting in any of the given statuses whose
// updated_at is older than the cutoff.
func (s *SQLiteStore) ListStale(ctx context.Context, statuses []engine.Status, olderThan time.Time) ([]*engine.Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]interface{}, 0, len(statuses)+1)
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, st)
	}
	args = append(args, olderThan)

	query := fmt.Sprintf(`
		SELECT id, status, configuration, wallet_address, error_message, error_type, created_at, updated_at
		FROM enclave_requests
		WHERE status IN (%s) AND updated_at < ?
		ORDER BY updated_at ASC
	`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// List returns requests with pagination, newest update first.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*engine.Request, error) {
	query := `
		SELECT id, status, configuration, wallet_address, error_message, error_type, created_at, updated_at
		FROM enclave_requests
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// Delete removes a request record by id. No change event is emitted:
// removals are an operator action, not a lifecycle transition.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM enclave_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// Republish re-emits a modify change event for the record's current image,
// used by the reconciler to re-drive stale pending requests.
func (s *SQLiteStore) Republish(ctx context.Context, id string) error {
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.feed == nil {
		return nil
	}
	return s.feed.PublishChange(engine.ChangeEvent{
		ID:       req.ID,
		Kind:     engine.ChangeModify,
		NewImage: *req,
	})
}

// publish emits a change event, dropping it if no feed is attached. A
// publish failure is not surfaced to the writer: the record is already
// durable, and the reconciler re-drives missed pending transitions.
func (s *SQLiteStore) publish(kind engine.ChangeKind, req *engine.Request) {
	if s.feed == nil {
		return
	}
	_ = s.feed.PublishChange(engine.ChangeEvent{
		ID:       req.ID,
		Kind:     kind,
		NewImage: *req,
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*engine.Request, error) {
	req := &engine.Request{}
	var configuration string
	err := row.Scan(
		&req.ID,
		&req.Status,
		&configuration,
		&req.WalletAddress,
		&req.ErrorMessage,
		&req.ErrorType,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Configuration = []byte(configuration)
	return req, nil
}

func collectRequests(rows *sql.Rows) ([]*engine.Request, error) {
	requests := []*engine.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}

	return requests, nil
}
