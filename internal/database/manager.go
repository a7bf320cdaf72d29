package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "github.com/marcodejongh/boardsesh-sub009/pkg/database"
	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// Manager implements interfaces.DurableStore on SQLite. All writes funnel
// through a single goroutine; SQLite holds one write lock at a time and
// serializing writes in-process avoids busy-timeout churn.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the write
// loop.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.ApplyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine,
// retrying each failed write once before reporting the error.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("[database] write failed, retrying: %v", err)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("[database] write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			// Drain queued writes so a graceful shutdown loses nothing.
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- op.operation(m.db)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// UpsertSession creates the session row or refreshes board path and
// activity on conflict, preserving discovery metadata already recorded.
func (m *Manager) UpsertSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO sessions (id, board_path, status, name, created_by,
				latitude, longitude, discoverable, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				board_path = excluded.board_path,
				status = excluded.status,
				last_activity = excluded.last_activity
		`, session.ID, session.BoardPath, statusOrDefault(session.Status),
			nullString(session.Name), nullString(session.CreatedBy),
			session.Latitude, session.Longitude, session.Discoverable,
			timeOrNow(session.CreatedAt), timeOrNow(session.LastActivity))
		return err
	})
}

// GetSession reads a session row; interfaces.ErrSessionNotFound when absent.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, board_path, status, COALESCE(name, ''), COALESCE(created_by, ''),
			latitude, longitude, discoverable, created_at, last_activity
		FROM sessions WHERE id = ?
	`, sessionID)
	return scanSession(row)
}

// SetSessionStatus transitions the lifecycle state and touches activity.
func (m *Manager) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE sessions SET status = ?, last_activity = ? WHERE id = ?",
			status, time.Now().UTC(), sessionID)
		return err
	})
}

// SaveQueueState overwrites the queue snapshot for a session. Queue and
// current climb are stored as JSON; version and sequence come from the
// committed state so the durable row can lag the cache without drifting.
func (m *Manager) SaveQueueState(ctx context.Context, sessionID string, state *types.QueueState) error {
	queueJSON, err := json.Marshal(state.Queue)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	var currentJSON interface{}
	if state.CurrentClimb != nil {
		encoded, err := json.Marshal(state.CurrentClimb)
		if err != nil {
			return fmt.Errorf("failed to encode current climb: %w", err)
		}
		currentJSON = string(encoded)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO session_queues (session_id, queue, current_climb, version, sequence, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				queue = excluded.queue,
				current_climb = excluded.current_climb,
				version = excluded.version,
				sequence = excluded.sequence,
				updated_at = excluded.updated_at
		`, sessionID, string(queueJSON), currentJSON, state.Version, state.Sequence, time.Now().UTC())
		return err
	})
}

// GetQueueState reads the queue snapshot; a session without a queue row
// yields the empty zero-version state rather than an error.
func (m *Manager) GetQueueState(ctx context.Context, sessionID string) (*types.QueueState, error) {
	var queueJSON string
	var currentJSON sql.NullString
	state := &types.QueueState{}

	err := m.db.QueryRowContext(ctx, `
		SELECT queue, current_climb, version, sequence
		FROM session_queues WHERE session_id = ?
	`, sessionID).Scan(&queueJSON, &currentJSON, &state.Version, &state.Sequence)
	if err == sql.ErrNoRows {
		return types.EmptyQueueState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue state: %w", err)
	}

	if err := json.Unmarshal([]byte(queueJSON), &state.Queue); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}
	if currentJSON.Valid && currentJSON.String != "" {
		var current types.QueueItem
		if err := json.Unmarshal([]byte(currentJSON.String), &current); err != nil {
			return nil, fmt.Errorf("failed to decode current climb: %w", err)
		}
		state.CurrentClimb = &current
	}
	state.StateHash = types.ComputeStateHash(state.Queue, state.CurrentUUID())
	return state, nil
}

// ListDiscoverable returns discoverable sessions that have not ended,
// newest activity first. The API layer applies the geo filter.
func (m *Manager) ListDiscoverable(ctx context.Context) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, board_path, status, COALESCE(name, ''), COALESCE(created_by, ''),
			latitude, longitude, discoverable, created_at, last_activity
		FROM sessions
		WHERE discoverable = 1 AND status != 'ended'
		ORDER BY last_activity DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list discoverable sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// HealthCheck verifies the database responds.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close stops the write loop and closes the pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}

var _ interfaces.DurableStore = (*Manager)(nil)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	session := &types.Session{}
	var latitude, longitude sql.NullFloat64
	err := row.Scan(&session.ID, &session.BoardPath, &session.Status,
		&session.Name, &session.CreatedBy, &latitude, &longitude,
		&session.Discoverable, &session.CreatedAt, &session.LastActivity)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if latitude.Valid {
		session.Latitude = &latitude.Float64
	}
	if longitude.Valid {
		session.Longitude = &longitude.Float64
	}
	return session, nil
}

func statusOrDefault(status string) string {
	if status == "" {
		return types.SessionStatusActive
	}
	return status
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
