package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"scriptforge/backend/pkg/models"
)

const (
	scriptColumns  = "id, owner_id, title, hook, description, tags, current_version_id, created_at, updated_at"
	versionColumns = "id, script_id, sequence_number, content, title, hook, description, tags, change_summary, created_by, created_at"
	runColumns     = "session_id, owner_id, stage, progress, message, context, script_id, error, started_at, updated_at"
)

// PostgresStore is a Postgres implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore on an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateScript inserts the script and its first version in one transaction.
// The current-version foreign key is deferred until commit.
func (s *PostgresStore) CreateScript(ctx context.Context, script *models.Script, first *models.ScriptVersion) error {
	first.ScriptID = script.ID
	first.SequenceNumber = 1
	script.Snapshot(first)
	script.UpdatedAt = first.CreatedAt

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO scripts ("+scriptColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
			script.ID, script.OwnerID, script.Title, script.Hook, script.Description,
			nonNil(script.Tags), script.CurrentVersionID, script.CreatedAt, script.UpdatedAt,
		); err != nil {
			return errors.Wrap(err, "insert script")
		}
		return insertVersion(ctx, tx, first)
	})
	return translatePgError(err)
}

func (s *PostgresStore) GetScript(ctx context.Context, id string) (*models.Script, error) {
	row := s.db.QueryRow(ctx, "SELECT "+scriptColumns+" FROM scripts WHERE id = $1", id)
	script, err := scanScript(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get script %s", id)
	}
	return script, nil
}

func (s *PostgresStore) ListScriptsByOwner(ctx context.Context, ownerID string, limit int) ([]models.Script, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+scriptColumns+" FROM scripts WHERE owner_id = $1 ORDER BY updated_at DESC, id LIMIT $2",
		ownerID, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list scripts")
	}
	defer rows.Close()

	scripts := []models.Script{}
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan script")
		}
		scripts = append(scripts, *script)
	}
	return scripts, errors.Wrap(rows.Err(), "list scripts")
}

// AppendVersion locks the script row, assigns max+1 and moves the pointer
// before committing. Concurrent appends on the same script serialise on the
// row lock.
func (s *PostgresStore) AppendVersion(ctx context.Context, v *models.ScriptVersion, expectedCurrent string) (*models.Script, error) {
	var updated *models.Script
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, "SELECT "+scriptColumns+" FROM scripts WHERE id = $1 FOR UPDATE", v.ScriptID)
		script, err := scanScript(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock script")
		}
		if expectedCurrent != "" && script.CurrentVersionID != expectedCurrent {
			return errors.Wrapf(ErrConflict, "current version of %s is %s", script.ID, script.CurrentVersionID)
		}

		var maxSeq int
		if err := tx.QueryRow(ctx,
			"SELECT COALESCE(MAX(sequence_number), 0) FROM script_versions WHERE script_id = $1",
			v.ScriptID,
		).Scan(&maxSeq); err != nil {
			return errors.Wrap(err, "next sequence number")
		}
		v.SequenceNumber = maxSeq + 1

		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}

		script.Snapshot(v)
		script.UpdatedAt = v.CreatedAt
		if _, err := tx.Exec(ctx,
			`UPDATE scripts
			 SET title = $1, hook = $2, description = $3, tags = $4, current_version_id = $5, updated_at = $6
			 WHERE id = $7`,
			script.Title, script.Hook, script.Description, nonNil(script.Tags),
			script.CurrentVersionID, script.UpdatedAt, script.ID,
		); err != nil {
			return errors.Wrap(err, "move current version")
		}
		updated = script
		return nil
	})
	if err != nil {
		return nil, translatePgError(err)
	}
	return updated, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, scriptID string, limit int) ([]models.ScriptVersion, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+versionColumns+" FROM script_versions WHERE script_id = $1 ORDER BY sequence_number DESC LIMIT $2",
		scriptID, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list versions")
	}
	defer rows.Close()

	versions := []models.ScriptVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan version")
		}
		versions = append(versions, *v)
	}
	return versions, errors.Wrap(rows.Err(), "list versions")
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*models.ScriptVersion, error) {
	row := s.db.QueryRow(ctx, "SELECT "+versionColumns+" FROM script_versions WHERE id = $1", id)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get version %s", id)
	}
	return v, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *models.WorkflowRun) error {
	wc, err := json.Marshal(run.Context)
	if err != nil {
		return errors.Wrap(err, "marshal run context")
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflow_runs ("+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (session_id) DO UPDATE SET
		   stage = EXCLUDED.stage,
		   progress = EXCLUDED.progress,
		   message = EXCLUDED.message,
		   context = EXCLUDED.context,
		   script_id = EXCLUDED.script_id,
		   error = EXCLUDED.error,
		   updated_at = EXCLUDED.updated_at`,
		run.SessionID, run.OwnerID, string(run.Stage), run.Progress, run.Message, wc,
		run.ScriptID, run.Error, run.StartedAt, run.UpdatedAt,
	)
	return errors.Wrapf(err, "save run %s", run.SessionID)
}

func (s *PostgresStore) GetRun(ctx context.Context, sessionID string) (*models.WorkflowRun, error) {
	row := s.db.QueryRow(ctx, "SELECT "+runColumns+" FROM workflow_runs WHERE session_id = $1", sessionID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", sessionID)
	}
	return run, nil
}

func (s *PostgresStore) ListRunsByOwner(ctx context.Context, ownerID string, limit int) ([]models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+runColumns+" FROM workflow_runs WHERE owner_id = $1 ORDER BY started_at DESC, session_id LIMIT $2",
		ownerID, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	runs := []models.WorkflowRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, *run)
	}
	return runs, errors.Wrap(rows.Err(), "list runs")
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		"SELECT id, email, name, created_at, updated_at FROM users WHERE lower(email) = lower($1)",
		email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO users (id, email, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return translatePgError(errors.Wrap(err, "create user"))
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, v *models.ScriptVersion) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO script_versions ("+versionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		v.ID, v.ScriptID, v.SequenceNumber, v.Content, v.Title, v.Hook, v.Description,
		nonNil(v.Tags), v.ChangeSummary, v.CreatedBy, v.CreatedAt,
	)
	return errors.Wrap(err, "insert version")
}

func scanScript(row pgx.Row) (*models.Script, error) {
	var s models.Script
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &s.Hook, &s.Description, &s.Tags,
		&s.CurrentVersionID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanVersion(row pgx.Row) (*models.ScriptVersion, error) {
	var v models.ScriptVersion
	if err := row.Scan(&v.ID, &v.ScriptID, &v.SequenceNumber, &v.Content, &v.Title, &v.Hook,
		&v.Description, &v.Tags, &v.ChangeSummary, &v.CreatedBy, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	var (
		run   models.WorkflowRun
		stage string
		wc    []byte
	)
	if err := row.Scan(&run.SessionID, &run.OwnerID, &stage, &run.Progress, &run.Message, &wc,
		&run.ScriptID, &run.Error, &run.StartedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Stage = models.Stage(stage)
	if err := json.Unmarshal(wc, &run.Context); err != nil {
		return nil, errors.Wrap(err, "decode run context")
	}
	return &run, nil
}

// translatePgError maps unique and foreign key violations onto ErrConflict.
func translatePgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23503") {
		return errors.Wrap(ErrConflict, pgErr.Message)
	}
	return err
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// limitOrAll turns a non-positive limit into "no limit" for LIMIT clauses.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
