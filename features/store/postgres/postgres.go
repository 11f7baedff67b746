// Package postgres implements the store ports on PostgreSQL.
//
// One Store serves all four port views over a caller-owned pgxpool.Pool; the
// caller creates and closes the pool. Run rows are normalized: project and
// account come from the thread join, so a run can never disagree with its
// thread about ownership. Response snapshots, run options, sandbox
// descriptors, and message bodies are JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
	"github.com/lodestar-ai/lodestar/runtime/agent/store"
)

// uniqueViolation is the Postgres error code for duplicate primary keys.
const uniqueViolation = "23505"

// Store implements the store ports on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

type (
	runsView     struct{ s *Store }
	threadsView  struct{ s *Store }
	projectsView struct{ s *Store }
	messagesView struct{ s *Store }
)

var (
	_ store.Runs     = runsView{}
	_ store.Threads  = threadsView{}
	_ store.Projects = projectsView{}
	_ store.Messages = messagesView{}
)

// New returns a Store over an existing pool. The caller owns the pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	return &Store{pool: pool}, nil
}

// Init creates the tables and indexes. Every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			project_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			sandbox JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS threads_project_idx ON threads(project_id)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			error TEXT NOT NULL DEFAULT '',
			responses JSONB,
			model_name TEXT NOT NULL DEFAULT '',
			options JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS runs_thread_idx ON runs(thread_id)`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status)`,

		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			type TEXT NOT NULL,
			is_llm_message BOOLEAN NOT NULL DEFAULT FALSE,
			content JSONB NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Runs returns the Runs port view.
func (s *Store) Runs() store.Runs { return runsView{s} }

// Threads returns the Threads port view.
func (s *Store) Threads() store.Threads { return threadsView{s} }

// Projects returns the Projects port view.
func (s *Store) Projects() store.Projects { return projectsView{s} }

// Messages returns the Messages port view.
func (s *Store) Messages() store.Messages { return messagesView{s} }

// --- Runs ---

// runColumns lists the joined columns every run query selects, in scanRun
// order.
const runColumns = `r.id, r.thread_id, t.project_id, t.account_id, r.status,
	r.started_at, r.completed_at, r.error, r.responses, r.model_name, r.options`

func (v runsView) Insert(ctx context.Context, r *run.Run) error {
	optionsJSON, err := json.Marshal(r.Options)
	if err != nil {
		return fmt.Errorf("postgres: marshal run options: %w", err)
	}
	responsesJSON, err := marshalResponses(r.Responses)
	if err != nil {
		return fmt.Errorf("postgres: marshal run responses: %w", err)
	}
	_, err = v.s.pool.Exec(ctx,
		`INSERT INTO runs (id, thread_id, status, started_at, completed_at, error, responses, model_name, options)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ThreadID, string(r.Status), r.StartedAt.UTC(), r.CompletedAt,
		r.Error, responsesJSON, r.ModelName, optionsJSON)
	if isUniqueViolation(err) {
		return fmt.Errorf("run %s: %w", r.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}
	return nil
}

func (v runsView) Get(ctx context.Context, runID string) (*run.Run, error) {
	row := v.s.pool.QueryRow(ctx,
		`SELECT `+runColumns+`
		 FROM runs r LEFT JOIN threads t ON t.thread_id = r.thread_id
		 WHERE r.id = $1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	return r, nil
}

func (v runsView) ListByThread(ctx context.Context, threadID string) ([]*run.Run, error) {
	rows, err := v.s.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM runs r LEFT JOIN threads t ON t.thread_id = r.thread_id
		 WHERE r.thread_id = $1
		 ORDER BY r.started_at DESC, r.id DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (v runsView) RunningByProject(ctx context.Context, projectID string) ([]*run.Run, error) {
	rows, err := v.s.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM runs r JOIN threads t ON t.thread_id = r.thread_id
		 WHERE t.project_id = $1 AND r.status = $2
		 ORDER BY r.started_at ASC`, projectID, string(run.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("postgres: running by project: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (v runsView) Finalize(ctx context.Context, runID string, status run.Status, errMsg string, responses []json.RawMessage, completedAt time.Time) error {
	responsesJSON, err := marshalResponses(responses)
	if err != nil {
		return fmt.Errorf("postgres: marshal responses: %w", err)
	}
	tag, err := v.s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $2, error = $3, completed_at = $4, responses = $5
		 WHERE id = $1 AND status NOT IN ($6, $7, $8)`,
		runID, string(status), errMsg, completedAt.UTC(), responsesJSON,
		string(run.StatusCompleted), string(run.StatusFailed), string(run.StatusStopped))
	if err != nil {
		return fmt.Errorf("postgres: finalize run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// No row updated: the run is missing or already terminal.
	var current string
	err = v.s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: finalize status check: %w", err)
	}
	return fmt.Errorf("run %s (status %s): %w", runID, current, run.ErrAlreadyTerminal)
}

func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r             run.Run
		projectID     *string
		accountID     *string
		status        string
		completedAt   *time.Time
		responsesJSON []byte
		optionsJSON   []byte
	)
	if err := row.Scan(&r.ID, &r.ThreadID, &projectID, &accountID, &status,
		&r.StartedAt, &completedAt, &r.Error, &responsesJSON, &r.ModelName, &optionsJSON); err != nil {
		return nil, err
	}
	if projectID != nil {
		r.ProjectID = *projectID
	}
	if accountID != nil {
		r.AccountID = *accountID
	}
	r.Status = run.Status(status)
	r.StartedAt = r.StartedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		r.CompletedAt = &t
	}
	if len(responsesJSON) > 0 {
		if err := json.Unmarshal(responsesJSON, &r.Responses); err != nil {
			return nil, fmt.Errorf("unmarshal responses: %w", err)
		}
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &r.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*run.Run, error) {
	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate runs: %w", err)
	}
	return out, nil
}

func marshalResponses(responses []json.RawMessage) ([]byte, error) {
	if responses == nil {
		return nil, nil
	}
	return json.Marshal(responses)
}

// --- Threads ---

func (v threadsView) Insert(ctx context.Context, t *store.Thread) error {
	_, err := v.s.pool.Exec(ctx,
		`INSERT INTO threads (thread_id, project_id, account_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		t.ThreadID, t.ProjectID, t.AccountID, t.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("thread %s: %w", t.ThreadID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert thread: %w", err)
	}
	return nil
}

func (v threadsView) Get(ctx context.Context, threadID string) (*store.Thread, error) {
	var t store.Thread
	err := v.s.pool.QueryRow(ctx,
		`SELECT thread_id, project_id, account_id, created_at FROM threads WHERE thread_id = $1`,
		threadID).Scan(&t.ThreadID, &t.ProjectID, &t.AccountID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get thread: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// --- Projects ---

func (v projectsView) Insert(ctx context.Context, p *store.Project) error {
	sandboxJSON, err := marshalSandbox(p.Sandbox)
	if err != nil {
		return fmt.Errorf("postgres: marshal sandbox: %w", err)
	}
	_, err = v.s.pool.Exec(ctx,
		`INSERT INTO projects (project_id, account_id, name, sandbox, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ProjectID, p.AccountID, p.Name, sandboxJSON, p.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ProjectID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert project: %w", err)
	}
	return nil
}

func (v projectsView) Get(ctx context.Context, projectID string) (*store.Project, error) {
	var (
		p           store.Project
		sandboxJSON []byte
	)
	err := v.s.pool.QueryRow(ctx,
		`SELECT project_id, account_id, name, sandbox, created_at FROM projects WHERE project_id = $1`,
		projectID).Scan(&p.ProjectID, &p.AccountID, &p.Name, &sandboxJSON, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get project: %w", err)
	}
	if len(sandboxJSON) > 0 {
		p.Sandbox = &sandbox.Info{}
		if err := json.Unmarshal(sandboxJSON, p.Sandbox); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal sandbox: %w", err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (v projectsView) SetName(ctx context.Context, projectID, name string) error {
	tag, err := v.s.pool.Exec(ctx,
		`UPDATE projects SET name = $2 WHERE project_id = $1`, projectID, name)
	if err != nil {
		return fmt.Errorf("postgres: set project name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	return nil
}

func (v projectsView) SetSandbox(ctx context.Context, projectID string, info *sandbox.Info) error {
	sandboxJSON, err := marshalSandbox(info)
	if err != nil {
		return fmt.Errorf("postgres: marshal sandbox: %w", err)
	}
	tag, err := v.s.pool.Exec(ctx,
		`UPDATE projects SET sandbox = $2 WHERE project_id = $1`, projectID, sandboxJSON)
	if err != nil {
		return fmt.Errorf("postgres: set project sandbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	return nil
}

func marshalSandbox(info *sandbox.Info) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	return json.Marshal(info)
}

// --- Messages ---

func (v messagesView) Insert(ctx context.Context, m *store.Message) error {
	metadata := m.Metadata
	if len(metadata) == 0 {
		metadata = nil
	}
	_, err := v.s.pool.Exec(ctx,
		`INSERT INTO messages (message_id, thread_id, type, is_llm_message, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.MessageID, m.ThreadID, m.Type, m.IsLLMMessage, []byte(m.Content), []byte(metadata), m.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("message %s: %w", m.MessageID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

func (v messagesView) ListByThread(ctx context.Context, threadID string) ([]*store.Message, error) {
	rows, err := v.s.pool.Query(ctx,
		`SELECT message_id, thread_id, type, is_llm_message, content, metadata, created_at
		 FROM messages WHERE thread_id = $1
		 ORDER BY created_at ASC, message_id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return out, nil
}

func (v messagesView) FirstUserMessage(ctx context.Context, threadID string) (*store.Message, error) {
	row := v.s.pool.QueryRow(ctx,
		`SELECT message_id, thread_id, type, is_llm_message, content, metadata, created_at
		 FROM messages WHERE thread_id = $1 AND type = $2
		 ORDER BY created_at ASC, message_id ASC
		 LIMIT 1`, threadID, store.MessageTypeUser)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("thread %s first user message: %w", threadID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: first user message: %w", err)
	}
	return m, nil
}

func scanMessage(row pgx.Row) (*store.Message, error) {
	var (
		m        store.Message
		content  []byte
		metadata []byte
	)
	if err := row.Scan(&m.MessageID, &m.ThreadID, &m.Type, &m.IsLLMMessage,
		&content, &metadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Content = content
	if metadata != nil {
		m.Metadata = metadata
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
