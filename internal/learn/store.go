package learn

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"capforge/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists learning sessions and rebuilds the aggregate from
// them.
//
// Storage location: .capforge/learning.db
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if necessary) the session database.
func NewStore(dbPath string) (*Store, error) {
	logging.LearnDebug("Opening learning store at %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open learning database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		capability TEXT,
		final_status TEXT NOT NULL,
		failure_kind TEXT,
		failure_message TEXT,
		needs_followup INTEGER NOT NULL DEFAULT 0,
		phases TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(final_status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append writes a finished session. Sessions are never updated.
func (s *Store) Append(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	phases, err := json.Marshal(session.Phases)
	if err != nil {
		return fmt.Errorf("marshal phases: %w", err)
	}

	var failureKind, failureMsg string
	if session.Failure != nil {
		failureKind = string(session.Failure.Kind)
		failureMsg = session.Failure.Message
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions
		(id, request, capability, final_status, failure_kind, failure_message,
		 needs_followup, phases, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.Request,
		session.Capability,
		string(session.FinalStatus),
		failureKind,
		failureMsg,
		boolToInt(session.NeedsFollowup),
		string(phases),
		session.StartedAt.UTC().Format(time.RFC3339Nano),
		session.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// LoadAll returns every stored session, oldest first.
func (s *Store) LoadAll() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, request, capability, final_status, failure_kind,
		       failure_message, needs_followup, phases, started_at, finished_at
		FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var (
			sess                           Session
			status, kind, msg, phases      string
			followup                       int
			startedAt, finishedAt          string
		)
		if err := rows.Scan(&sess.ID, &sess.Request, &sess.Capability, &status,
			&kind, &msg, &followup, &phases, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		sess.FinalStatus = Status(status)
		sess.NeedsFollowup = followup != 0
		if kind != "" {
			sess.Failure = &PhaseError{Kind: FailureKind(kind), Message: msg}
		}
		if phases != "" {
			if err := json.Unmarshal([]byte(phases), &sess.Phases); err != nil {
				return nil, fmt.Errorf("parse phases for %s: %w", sess.ID, err)
			}
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		sess.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// RebuildStats computes the aggregate from every stored session.
func (s *Store) RebuildStats() (*Stats, error) {
	sessions, err := s.LoadAll()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ToolsGenerated:   []string{},
		ValidationErrors: []string{},
		FailureLearnings: []string{},
	}
	for _, sess := range sessions {
		applySession(stats, sess)
	}
	logging.LearnDebug("Rebuilt stats from %d sessions (success rate %.2f)",
		len(sessions), stats.SuccessRate)
	return stats, nil
}

// applySession folds one finished session into the aggregate.
func applySession(stats *Stats, sess *Session) {
	stats.TotalAttempts++
	switch sess.FinalStatus {
	case StatusCompleted:
		stats.SuccessfulAttempts++
		if sess.Capability != "" {
			stats.ToolsGenerated = append(stats.ToolsGenerated, sess.Capability)
		}
	case StatusFailed, StatusError:
		if sess.Failure != nil {
			switch sess.Failure.Kind {
			case ValidationSyntax, ValidationSecurity, ValidationDependency,
				ValidationComplexity, ValidationPathRisk:
				stats.ValidationErrors = append(stats.ValidationErrors, sess.Failure.Message)
			default:
				stats.FailureLearnings = append(stats.FailureLearnings, sess.Failure.Message)
			}
		}
	}
	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.SuccessfulAttempts) / float64(stats.TotalAttempts)
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
