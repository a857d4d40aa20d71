// Package beads bridges the observation store and the externally owned
// beads issue database.
package beads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/mnemo/pkg/models"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// DBFileName is the issue database inside the beads directory.
const DBFileName = "beads.db"

// DefaultIssuePrefix is used when the issue store has no issue_prefix config.
const DefaultIssuePrefix = "bd"

// ErrNotInitialized is returned when the beads directory, database or issues
// table does not exist. It signals environment absence, not a fault.
var ErrNotInitialized = errors.New("issue store not initialized")

// IssueStore is a connection to the beads issue database.
type IssueStore struct {
	db     *sqlx.DB
	path   string
	prefix string
}

// OpenIssueStore opens <dir>/beads.db. The database is never created here.
func OpenIssueStore(ctx context.Context, dir string) (*IssueStore, error) {
	path := filepath.Join(dir, DBFileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, path)
		}
		return nil, fmt.Errorf("stat issue store: %w", err)
	}

	db, err := sqlx.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open issue store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &IssueStore{db: db, path: path, prefix: DefaultIssuePrefix}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *IssueStore) init(ctx context.Context) error {
	hasIssues, err := s.hasTable(ctx, "issues")
	if err != nil {
		return fmt.Errorf("inspect issue store: %w", err)
	}
	if !hasIssues {
		return fmt.Errorf("%w: %s has no issues table", ErrNotInitialized, s.path)
	}

	// Upserts need a conflict target on external_ref.
	if _, err := s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_external_ref_unique ON issues(external_ref)`); err != nil {
		return fmt.Errorf("ensure external_ref index: %w", err)
	}

	hasConfig, err := s.hasTable(ctx, "config")
	if err != nil {
		return fmt.Errorf("inspect issue store: %w", err)
	}
	if hasConfig {
		var prefix string
		err := s.db.GetContext(ctx, &prefix, `SELECT value FROM config WHERE key = 'issue_prefix'`)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read issue prefix: %w", err)
		case strings.TrimSpace(prefix) != "":
			s.prefix = strings.TrimSpace(prefix)
		}
	}
	return nil
}

func (s *IssueStore) hasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	return n > 0, err
}

// WithIssueStore opens the issue store, runs fn and always closes the store afterwards.
func WithIssueStore(ctx context.Context, dir string, fn func(ctx context.Context, store *IssueStore) error) error {
	store, err := OpenIssueStore(ctx, dir)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("path", store.path).Msg("Failed to close issue store")
		}
	}()
	return fn(ctx, store)
}

// Close closes the database connection.
func (s *IssueStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *IssueStore) Path() string {
	return s.path
}

// Prefix returns the issue id prefix.
func (s *IssueStore) Prefix() string {
	return s.prefix
}

const issueColumns = `id, title, description, status, priority, created_at, updated_at, closed_at, external_ref`

// GetByID returns an issue by id, or (nil, nil) when absent.
func (s *IssueStore) GetByID(ctx context.Context, id string) (*models.Issue, error) {
	return s.getOne(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
}

// GetByExternalRef returns an issue by external reference, or (nil, nil) when absent.
func (s *IssueStore) GetByExternalRef(ctx context.Context, ref string) (*models.Issue, error) {
	return s.getOne(ctx, `SELECT `+issueColumns+` FROM issues WHERE external_ref = ?`, ref)
}

func (s *IssueStore) getOne(ctx context.Context, query string, arg any) (*models.Issue, error) {
	var issue models.Issue
	err := s.db.GetContext(ctx, &issue, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return &issue, nil
}

// ListByStatus returns issues with the given status ordered by id.
func (s *IssueStore) ListByStatus(ctx context.Context, status models.IssueStatus) ([]models.Issue, error) {
	var issues []models.Issue
	err := s.db.SelectContext(ctx, &issues,
		`SELECT `+issueColumns+` FROM issues WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return issues, nil
}

// refStatuses returns the status of every issue whose external_ref starts with prefix.
func refStatuses(ctx context.Context, q sqlx.QueryerContext, prefix string) (map[string]models.IssueStatus, error) {
	var rows []struct {
		Ref    string             `db:"external_ref"`
		Status models.IssueStatus `db:"status"`
	}
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT external_ref, status FROM issues WHERE external_ref LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("load existing refs: %w", err)
	}

	out := make(map[string]models.IssueStatus, len(rows))
	for _, r := range rows {
		out[r.Ref] = r.Status
	}
	return out, nil
}

const upsertIssueSQL = `
INSERT INTO issues (id, title, description, status, priority, created_at, updated_at, closed_at, external_ref)
VALUES (:id, :title, :description, :status, :priority, :created_at, :updated_at, :closed_at, :external_ref)
ON CONFLICT(external_ref) DO UPDATE SET
	title = excluded.title,
	description = excluded.description,
	status = excluded.status,
	priority = excluded.priority,
	updated_at = excluded.updated_at,
	closed_at = COALESCE(issues.closed_at, excluded.closed_at)`

func upsertIssue(ctx context.Context, e sqlx.ExtContext, issue *models.Issue) error {
	if _, err := sqlx.NamedExecContext(ctx, e, upsertIssueSQL, issue); err != nil {
		return fmt.Errorf("upsert issue %s: %w", issue.ID, err)
	}
	return nil
}

// closeRefs closes the open issues with the given external refs. closed_at is
// only set when it has never been set.
func closeRefs(ctx context.Context, e sqlx.ExtContext, refs []string, now time.Time) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	ts := now.UTC().Format(time.RFC3339)
	query, args, err := sqlx.In(
		`UPDATE issues SET status = ?, updated_at = ?, closed_at = COALESCE(closed_at, ?)
		 WHERE external_ref IN (?) AND status != ?`,
		models.IssueStatusClosed, ts, ts, refs, models.IssueStatusClosed)
	if err != nil {
		return 0, fmt.Errorf("build close query: %w", err)
	}
	res, err := e.ExecContext(ctx, e.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("close missing issues: %w", err)
	}
	return res.RowsAffected()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
