// Package callrecord persists finished calls and their advisories to
// PostgreSQL and implements advisory.Persister on top of the telephony
// provider's REST API.
package callrecord

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/hubenschmidt/callassist/internal/advisory"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when no call record has the requested ID.
var ErrNotFound = errors.New("call record not found")

// Store reads and writes call records.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL at connStr and applies pending migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("callrecord open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("callrecord ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("callrecord migrate: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	if err = db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`).Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record is a stored call record.
type Record struct {
	ID string `json:"id"`
	advisory.CallRecord
	CreatedAt time.Time `json:"created_at"`
}

// SubmitCallRecord inserts rec and returns its new ID.
func (s *Store) SubmitCallRecord(ctx context.Context, rec *advisory.CallRecord) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (id, call_id, provider_call_id, agent_id, from_number, to_number,
		     direction, status, started_at, ended_at, duration_seconds, recording_url, recording)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, rec.CallID, rec.ProviderCallID, rec.AgentID, rec.From, rec.To,
		rec.Direction, rec.Status, nullTime(rec.StartedAt), nullTime(rec.EndedAt),
		int(rec.Duration/time.Second), rec.RecordingURL, rec.Recording,
	)
	if err != nil {
		return "", fmt.Errorf("insert call record: %w", err)
	}
	return id, nil
}

// SubmitMessages inserts msgs in order under recordID in one transaction.
func (s *Store) SubmitMessages(ctx context.Context, recordID string, msgs []advisory.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO advisory_messages (id, call_record_id, seq, role, content, category, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, id, recordID, i, string(m.Role), m.Content,
			string(m.Category), string(m.Priority), m.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns one call record without its recording bytes.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, call_id, provider_call_id, agent_id, from_number, to_number, direction, status,
		        started_at, ended_at, duration_seconds, recording_url, created_at
		 FROM call_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var started, ended sql.NullTime
	var seconds int
	if err := row.Scan(&r.ID, &r.CallID, &r.ProviderCallID, &r.AgentID, &r.From, &r.To, &r.Direction, &r.Status,
		&started, &ended, &seconds, &r.RecordingURL, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.StartedAt = started.Time
	r.EndedAt = ended.Time
	r.Duration = time.Duration(seconds) * time.Second
	return &r, nil
}

// List returns records newest first, optionally for one agent, with the
// total count before paging.
func (s *Store) List(ctx context.Context, agentID string, limit, offset int) ([]Record, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_records WHERE $1 = '' OR agent_id = $1`, agentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count call records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, provider_call_id, agent_id, from_number, to_number, direction, status,
		        started_at, ended_at, duration_seconds, recording_url, created_at
		 FROM call_records
		 WHERE $1 = '' OR agent_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, agentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}

// Messages returns a record's advisories in their original order.
func (s *Store) Messages(ctx context.Context, recordID string) ([]advisory.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, category, priority, created_at
		 FROM advisory_messages WHERE call_record_id = $1 ORDER BY seq ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []advisory.Message
	for rows.Next() {
		var m advisory.Message
		var role, category, priority string
		if err := rows.Scan(&m.ID, &role, &m.Content, &category, &priority, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Role = advisory.Role(role)
		m.Category = advisory.Category(category)
		m.Priority = advisory.Priority(priority)
		m.Processed = true
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Recording returns the stored WAV for a record, or nil when there is none.
func (s *Store) Recording(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT recording FROM call_records WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return data, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
