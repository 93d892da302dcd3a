package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver ("sqlite3")
	_ "modernc.org/sqlite"          // pure Go SQLite driver ("sqlite")
)

// SQLite driver names accepted by SQLiteBackendConfig.Driver.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// SQLiteBackend implements Store using SQLite for persistence.
// This backend provides durable storage and is suitable for single-node
// deployments, or several processes on one host sharing the same file.
//
// Optimistic concurrency is enforced by the version column: every swap is an
// UPDATE guarded by the version the caller read.
type SQLiteBackend struct {
	db               *sql.DB
	dbPath           string
	checkpointPeriod time.Duration
	done             chan struct{}
	closeOnce        sync.Once

	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	swapStmt   *sql.Stmt
	deleteStmt *sql.Stmt
	expireStmt *sql.Stmt
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Driver selects the database/sql driver: "sqlite" (modernc, default)
	// or "sqlite3" (mattn, requires cgo).
	Driver string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend creates a new SQLite storage backend with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig creates a new SQLite backend with custom configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverModernc
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn, err := sqliteDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{
		db:               db,
		dbPath:           cfg.DBPath,
		checkpointPeriod: cfg.CheckpointInterval,
		done:             make(chan struct{}),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go backend.checkpointLoop()

	return backend, nil
}

// sqliteDSN builds a driver-specific DSN; the two drivers spell pragmas differently.
func sqliteDSN(cfg SQLiteBackendConfig) (string, error) {
	busy := cfg.BusyTimeout.Milliseconds()
	switch cfg.Driver {
	case DriverModernc:
		return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
			cfg.DBPath, busy), nil
	case DriverCGO:
		return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			cfg.DBPath, busy), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", cfg.Driver)
	}
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rate_limit_records (
		record_key TEXT PRIMARY KEY,
		key_id TEXT NOT NULL,
		key_type TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		endpoint_scoped INTEGER NOT NULL DEFAULT 0,
		samples TEXT NOT NULL DEFAULT '[]',
		total_lifetime REAL NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL,
		window_ns INTEGER NOT NULL DEFAULT 0,
		blocked_until INTEGER NOT NULL DEFAULT 0,
		block_count INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rate_limit_records_expires_at ON rate_limit_records(expires_at);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_records_key_type ON rate_limit_records(key_type);
	`

	_, err := s.db.Exec(schema)
	return err
}

const recordColumns = `record_key, key_id, key_type, endpoint, endpoint_scoped, samples, total_lifetime,
	window_start, window_ns, blocked_until, block_count, expires_at, version, created_at, updated_at`

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO rate_limit_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_key) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.selectStmt, err = s.db.Prepare(`
		SELECT ` + recordColumns + `
		FROM rate_limit_records
		WHERE record_key = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select statement: %w", err)
	}

	s.swapStmt, err = s.db.Prepare(`
		UPDATE rate_limit_records SET
			samples = ?,
			total_lifetime = ?,
			window_ns = ?,
			blocked_until = ?,
			block_count = ?,
			expires_at = ?,
			updated_at = ?,
			version = version + 1
		WHERE record_key = ? AND version = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare swap statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM rate_limit_records WHERE record_key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.expireStmt, err = s.db.Prepare(`
		DELETE FROM rate_limit_records
		WHERE rowid IN (
			SELECT rowid FROM rate_limit_records
			WHERE expires_at < ?
			ORDER BY expires_at
			LIMIT ?
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare expire statement: %w", err)
	}

	return nil
}

// GetOrCreate returns the record for key, creating it when absent.
func (s *SQLiteBackend) GetOrCreate(ctx context.Context, key Key, now time.Time, ttl time.Duration) (*Record, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	id := key.String()
	fresh := NewRecord(key, now, ttl)
	path, scoped := key.Endpoint.Path()

	// The sweep can delete the row between insert and select, so retry a few times.
	for attempt := 0; attempt < 3; attempt++ {
		result, err := s.insertStmt.ExecContext(ctx,
			id, key.ID, string(key.Type), path, boolToInt(scoped), "[]", 0.0,
			toNanos(fresh.WindowStart), int64(fresh.Window), int64(0), 0,
			toNanos(fresh.ExpiresAt), fresh.Version, toNanos(fresh.CreatedAt), toNanos(fresh.UpdatedAt),
		)
		if err != nil {
			return nil, false, unavailable("insert record", err)
		}
		inserted, err := result.RowsAffected()
		if err != nil {
			return nil, false, unavailable("insert record", err)
		}

		rec, err := s.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if rec != nil {
			return rec, inserted == 1, nil
		}
	}

	return nil, false, unavailable("insert record", fmt.Errorf("record %s vanished after insert", id))
}

// Get returns the record for key, or nil if none exists.
func (s *SQLiteBackend) Get(ctx context.Context, key Key) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.load(ctx, key.String())
}

func (s *SQLiteBackend) load(ctx context.Context, id string) (*Record, error) {
	var (
		recordKey    string
		keyID        string
		keyType      string
		endpoint     string
		scoped       int
		samplesJSON  string
		total        float64
		windowStart  int64
		windowNanos  int64
		blockedUntil int64
		blockCount   int
		expiresAt    int64
		version      int64
		createdAt    int64
		updatedAt    int64
	)

	err := s.selectStmt.QueryRowContext(ctx, id).Scan(
		&recordKey, &keyID, &keyType, &endpoint, &scoped, &samplesJSON, &total,
		&windowStart, &windowNanos, &blockedUntil, &blockCount, &expiresAt, &version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("load record", err)
	}

	rec := &Record{
		Key:                   Key{ID: keyID, Type: KeyType(keyType)},
		TotalRequestsLifetime: total,
		WindowStart:           fromNanos(windowStart),
		Window:                time.Duration(windowNanos),
		BlockedUntil:          fromNanos(blockedUntil),
		ConsecutiveBlockCount: blockCount,
		ExpiresAt:             fromNanos(expiresAt),
		Version:               version,
		CreatedAt:             fromNanos(createdAt),
		UpdatedAt:             fromNanos(updatedAt),
	}
	if scoped != 0 {
		rec.Key.Endpoint = ForEndpoint(endpoint)
	}
	if err := json.Unmarshal([]byte(samplesJSON), &rec.Samples); err != nil {
		return nil, fmt.Errorf("failed to unmarshal samples for %s: %w", recordKey, err)
	}

	return rec, nil
}

// CompareAndSwap stores rec if the stored version is unchanged.
func (s *SQLiteBackend) CompareAndSwap(ctx context.Context, rec *Record) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("record cannot be nil")
	}
	if err := rec.Key.Validate(); err != nil {
		return false, err
	}

	samples := rec.Samples
	if samples == nil {
		samples = []Sample{}
	}
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		return false, fmt.Errorf("failed to marshal samples: %w", err)
	}

	result, err := s.swapStmt.ExecContext(ctx,
		string(samplesJSON),
		rec.TotalRequestsLifetime,
		int64(rec.Window),
		toNanos(rec.BlockedUntil),
		rec.ConsecutiveBlockCount,
		toNanos(rec.ExpiresAt),
		toNanos(rec.UpdatedAt),
		rec.Key.String(),
		rec.Version,
	)
	if err != nil {
		return false, unavailable("swap record", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("swap record", err)
	}
	if n != 1 {
		return false, nil
	}

	rec.Version++
	return true, nil
}

// Delete removes the record for key.
func (s *SQLiteBackend) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := s.deleteStmt.ExecContext(ctx, key.String()); err != nil {
		return unavailable("delete record", err)
	}
	return nil
}

// DeleteExpiredBefore removes up to limit records that expired before now.
func (s *SQLiteBackend) DeleteExpiredBefore(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	result, err := s.expireStmt.ExecContext(ctx, toNanos(now), limit)
	if err != nil {
		return 0, unavailable("delete expired", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("delete expired", err)
	}

	return int(deleted), nil
}

// Ping verifies the database connection.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases any resources held by the backend.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteBackend) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		for _, stmt := range []*sql.Stmt{s.insertStmt, s.selectStmt, s.swapStmt, s.deleteStmt, s.expireStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
