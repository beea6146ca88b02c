// Package history keeps an optional log of executed requests in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/edgecmd/internal/log"
	"github.com/mattjoyce/edgecmd/internal/protocol"
	"github.com/mattjoyce/edgecmd/internal/storage"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultLimit is used by Recent when limit is not positive.
const DefaultLimit = 50

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("history entry not found")

// Entry is one processed request.
type Entry struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	ResponseTopic string          `json:"response_topic"`
	Shape         string          `json:"shape"`
	Request       json.RawMessage `json:"request"`
	Response      json.RawMessage `json:"response"`
	PayloadDigest string          `json:"payload_digest"`
	Commands      int             `json:"commands"`
	Failed        int             `json:"failed"`
	ReceivedAt    time.Time       `json:"received_at"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Store reads and writes the exec_log table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps an already bootstrapped database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: log.WithComponent("history")}
}

// Open opens the database at path and returns a Store that owns it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Digest returns the BLAKE3 digest of a request payload.
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Record inserts e. Missing ids, digests and timestamps are filled in.
// SSH passwords in the request are redacted before it is stored; the digest
// covers the request as received.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if !json.Valid(e.Request) {
		return fmt.Errorf("record %s: request is not valid JSON", e.ID)
	}
	if !json.Valid(e.Response) {
		return fmt.Errorf("record %s: response is not valid JSON", e.ID)
	}
	if e.PayloadDigest == "" {
		e.PayloadDigest = Digest(e.Request)
	}
	e.Request = protocol.Redacted(e.Request)
	now := time.Now().UTC()
	if e.CompletedAt.IsZero() {
		e.CompletedAt = now
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = e.CompletedAt
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO exec_log(id, topic, response_topic, shape, request, response, payload_digest, commands, failed, received_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		e.ID, e.Topic, e.ResponseTopic, e.Shape,
		string(e.Request), string(e.Response), e.PayloadDigest,
		e.Commands, e.Failed,
		e.ReceivedAt.UTC().Format(timeLayout), e.CompletedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert exec_log: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, topic, response_topic, shape, request, response, payload_digest, commands, failed, received_at, completed_at
FROM exec_log
ORDER BY completed_at DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exec_log: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exec_log: %w", err)
	}
	return out, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, topic, response_topic, shape, request, response, payload_digest, commands, failed, received_at, completed_at
FROM exec_log WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Prune deletes entries completed more than retention ago.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, "DELETE FROM exec_log WHERE completed_at < ?;", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune exec_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune exec_log: %w", err)
	}
	return n, nil
}

// RunJanitor prunes on every interval until ctx is cancelled.
func (s *Store) RunJanitor(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	s.logger.Info("history janitor started", "retention", retention, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.prune(ctx, retention)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Store) prune(ctx context.Context, retention time.Duration) {
	n, err := s.Prune(ctx, retention)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to prune history", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("pruned history", "deleted", n)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                     Entry
		request, response     string
		receivedS, completedS string
	)
	if err := sc.Scan(&e.ID, &e.Topic, &e.ResponseTopic, &e.Shape, &request, &response,
		&e.PayloadDigest, &e.Commands, &e.Failed, &receivedS, &completedS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan exec_log: %w", err)
	}
	e.Request = json.RawMessage(request)
	e.Response = json.RawMessage(response)
	if t, err := time.Parse(timeLayout, receivedS); err == nil {
		e.ReceivedAt = t
	}
	if t, err := time.Parse(timeLayout, completedS); err == nil {
		e.CompletedAt = t
	}
	return e, nil
}
