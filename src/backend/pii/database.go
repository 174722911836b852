package pii

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// DefaultMaxAuditEntries is the number of entries the in-memory audit log
// retains.
const DefaultMaxAuditEntries = 5000

// AuditEntry describes one redaction request. It never holds the request
// text or any matched value.
type AuditEntry struct {
	ID           uuid.UUID      `json:"id"`
	RequestID    string         `json:"request_id"`
	Language     string         `json:"language"`
	Mode         string         `json:"mode"`
	Bridged      bool           `json:"bridged"`
	TextLength   int            `json:"text_length"`
	EntityCounts map[string]int `json:"entity_counts"`
	Outcome      string         `json:"outcome"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditLog records redaction requests.
type AuditLog interface {
	// Record stores an entry, assigning ID and CreatedAt when unset
	Record(ctx context.Context, entry AuditEntry) error

	// Recent returns up to limit entries, newest first
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)

	// Close closes the underlying storage
	Close() error
}

func stampEntry(entry *AuditEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.EntityCounts == nil {
		entry.EntityCounts = map[string]int{}
	}
}

// MemoryAuditLog keeps the most recent entries in memory.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	max     int
}

// NewMemoryAuditLog creates an audit log retaining at most max entries.
func NewMemoryAuditLog(max int) *MemoryAuditLog {
	if max <= 0 {
		max = DefaultMaxAuditEntries
	}
	return &MemoryAuditLog{max: max}
}

// Record implements AuditLog
func (m *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) error {
	stampEntry(&entry)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	if over := len(m.entries) - m.max; over > 0 {
		m.entries = append([]AuditEntry(nil), m.entries[over:]...)
	}
	return nil
}

// Recent implements AuditLog
func (m *MemoryAuditLog) Recent(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// Close implements AuditLog
func (m *MemoryAuditLog) Close() error {
	return nil
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// PostgresAuditLog implements AuditLog for PostgreSQL
type PostgresAuditLog struct {
	db *sql.DB
}

// NewPostgresAuditLog opens the database and creates the audit table.
func NewPostgresAuditLog(ctx context.Context, config DatabaseConfig) (*PostgresAuditLog, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createAuditTable(ctx, db); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &PostgresAuditLog{db: db}, nil
}

// NewPostgresAuditLogFromDB wraps an open database handle.
func NewPostgresAuditLogFromDB(db *sql.DB) *PostgresAuditLog {
	return &PostgresAuditLog{db: db}
}

func createAuditTable(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS redaction_audit (
		id UUID PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		language VARCHAR(8) NOT NULL,
		mode VARCHAR(16) NOT NULL,
		bridged BOOLEAN NOT NULL DEFAULT FALSE,
		text_length INTEGER NOT NULL,
		entity_counts JSONB NOT NULL DEFAULT '{}',
		outcome VARCHAR(32) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_redaction_audit_created_at ON redaction_audit(created_at);
	CREATE INDEX IF NOT EXISTS idx_redaction_audit_language ON redaction_audit(language);
	`
	_, err := db.ExecContext(ctx, query)
	return err
}

// Record implements AuditLog
func (p *PostgresAuditLog) Record(ctx context.Context, entry AuditEntry) error {
	stampEntry(&entry)
	counts, err := json.Marshal(entry.EntityCounts)
	if err != nil {
		return fmt.Errorf("encode entity counts: %w", err)
	}

	query := `
	INSERT INTO redaction_audit (id, request_id, language, mode, bridged, text_length, entity_counts, outcome, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = p.db.ExecContext(ctx, query, entry.ID.String(), entry.RequestID, entry.Language, entry.Mode,
		entry.Bridged, entry.TextLength, string(counts), entry.Outcome, entry.CreatedAt)
	return err
}

// Recent implements AuditLog
func (p *PostgresAuditLog) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, request_id, language, mode, bridged, text_length, entity_counts, outcome, created_at
	FROM redaction_audit
	ORDER BY created_at DESC
	LIMIT $1
	`
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e      AuditEntry
			id     string
			counts []byte
		)
		if err := rows.Scan(&id, &e.RequestID, &e.Language, &e.Mode, &e.Bridged, &e.TextLength, &counts, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse audit id: %w", err)
		}
		if err := json.Unmarshal(counts, &e.EntityCounts); err != nil {
			return nil, fmt.Errorf("decode entity counts: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupOldEntries removes entries older than the given duration
func (p *PostgresAuditLog) CleanupOldEntries(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM redaction_audit WHERE created_at < NOW() - make_interval(secs => $1)`
	result, err := p.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the database connection
func (p *PostgresAuditLog) Close() error {
	return p.db.Close()
}
