package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"scriptforge/backend/pkg/models"
)

// timestamps are stored as fixed-width UTC text so they sort lexically
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	sqliteScriptColumns  = "id, owner_id, title, hook, description, tags_json, current_version_id, created_at, updated_at"
	sqliteVersionColumns = "id, script_id, sequence_number, content, title, hook, description, tags_json, change_summary, created_by, created_at"
	sqliteRunColumns     = "session_id, owner_id, stage, progress, message, context_json, script_id, error, started_at, updated_at"
)

// SQLiteStore is a SQLite implementation of Repository for single-node
// deployments and local development.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Repository = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. Write transactions take the database lock up front
// (BEGIN IMMEDIATE) so read-then-write sequences cannot interleave.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := openSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func openSQLiteDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	return db, nil
}

func (s *SQLiteStore) CreateScript(ctx context.Context, script *models.Script, first *models.ScriptVersion) error {
	first.ScriptID = script.ID
	first.SequenceNumber = 1
	script.Snapshot(first)
	script.UpdatedAt = first.CreatedAt

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO scripts ("+sqliteScriptColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			script.ID, script.OwnerID, script.Title, script.Hook, script.Description,
			encodeTags(script.Tags), script.CurrentVersionID,
			formatTime(script.CreatedAt), formatTime(script.UpdatedAt),
		); err != nil {
			return translateSQLiteError(errors.Wrap(err, "insert script"))
		}
		return sqliteInsertVersion(ctx, tx, first)
	})
}

func (s *SQLiteStore) GetScript(ctx context.Context, id string) (*models.Script, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteScriptColumns+" FROM scripts WHERE id = ?", id)
	script, err := sqliteScanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get script %s", id)
	}
	return script, nil
}

func (s *SQLiteStore) ListScriptsByOwner(ctx context.Context, ownerID string, limit int) ([]models.Script, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteScriptColumns+" FROM scripts WHERE owner_id = ? ORDER BY updated_at DESC, id LIMIT ?",
		ownerID, sqliteLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list scripts")
	}
	defer rows.Close()

	scripts := []models.Script{}
	for rows.Next() {
		script, err := sqliteScanScript(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan script")
		}
		scripts = append(scripts, *script)
	}
	return scripts, errors.Wrap(rows.Err(), "list scripts")
}

func (s *SQLiteStore) AppendVersion(ctx context.Context, v *models.ScriptVersion, expectedCurrent string) (*models.Script, error) {
	var updated *models.Script
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+sqliteScriptColumns+" FROM scripts WHERE id = ?", v.ScriptID)
		script, err := sqliteScanScript(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "read script")
		}
		if expectedCurrent != "" && script.CurrentVersionID != expectedCurrent {
			return errors.Wrapf(ErrConflict, "current version of %s is %s", script.ID, script.CurrentVersionID)
		}

		var maxSeq int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(sequence_number), 0) FROM script_versions WHERE script_id = ?",
			v.ScriptID,
		).Scan(&maxSeq); err != nil {
			return errors.Wrap(err, "next sequence number")
		}
		v.SequenceNumber = maxSeq + 1

		if err := sqliteInsertVersion(ctx, tx, v); err != nil {
			return err
		}

		script.Snapshot(v)
		script.UpdatedAt = v.CreatedAt
		if _, err := tx.ExecContext(ctx,
			`UPDATE scripts
			 SET title = ?, hook = ?, description = ?, tags_json = ?, current_version_id = ?, updated_at = ?
			 WHERE id = ?`,
			script.Title, script.Hook, script.Description, encodeTags(script.Tags),
			script.CurrentVersionID, formatTime(script.UpdatedAt), script.ID,
		); err != nil {
			return errors.Wrap(err, "move current version")
		}
		updated = script
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, scriptID string, limit int) ([]models.ScriptVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteVersionColumns+" FROM script_versions WHERE script_id = ? ORDER BY sequence_number DESC LIMIT ?",
		scriptID, sqliteLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list versions")
	}
	defer rows.Close()

	versions := []models.ScriptVersion{}
	for rows.Next() {
		v, err := sqliteScanVersion(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan version")
		}
		versions = append(versions, *v)
	}
	return versions, errors.Wrap(rows.Err(), "list versions")
}

func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*models.ScriptVersion, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteVersionColumns+" FROM script_versions WHERE id = ?", id)
	v, err := sqliteScanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get version %s", id)
	}
	return v, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *models.WorkflowRun) error {
	wc, err := json.Marshal(run.Context)
	if err != nil {
		return errors.Wrap(err, "marshal run context")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO workflow_runs ("+sqliteRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		   stage = excluded.stage,
		   progress = excluded.progress,
		   message = excluded.message,
		   context_json = excluded.context_json,
		   script_id = excluded.script_id,
		   error = excluded.error,
		   updated_at = excluded.updated_at`,
		run.SessionID, run.OwnerID, string(run.Stage), run.Progress, run.Message, string(wc),
		run.ScriptID, run.Error, formatTime(run.StartedAt), formatTime(run.UpdatedAt),
	)
	return errors.Wrapf(err, "save run %s", run.SessionID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, sessionID string) (*models.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteRunColumns+" FROM workflow_runs WHERE session_id = ?", sessionID)
	run, err := sqliteScanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", sessionID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRunsByOwner(ctx context.Context, ownerID string, limit int) ([]models.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteRunColumns+" FROM workflow_runs WHERE owner_id = ? ORDER BY started_at DESC, session_id LIMIT ?",
		ownerID, sqliteLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	runs := []models.WorkflowRun{}
	for rows.Next() {
		run, err := sqliteScanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, *run)
	}
	return runs, errors.Wrap(rows.Err(), "list runs")
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var (
		u                  models.User
		created, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?",
		email,
	).Scan(&u.ID, &u.Email, &u.Name, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Email, user.Name, formatTime(user.CreatedAt), formatTime(user.UpdatedAt),
	)
	if err != nil {
		return translateSQLiteError(errors.Wrap(err, "create user"))
	}
	return nil
}

// Ping checks that the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateSQLiteError(errors.Wrap(err, "commit"))
	}
	return nil
}

func sqliteInsertVersion(ctx context.Context, tx *sql.Tx, v *models.ScriptVersion) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO script_versions ("+sqliteVersionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		v.ID, v.ScriptID, v.SequenceNumber, v.Content, v.Title, v.Hook, v.Description,
		encodeTags(v.Tags), v.ChangeSummary, v.CreatedBy, formatTime(v.CreatedAt),
	)
	if err != nil {
		return translateSQLiteError(errors.Wrap(err, "insert version"))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteScanScript(row rowScanner) (*models.Script, error) {
	var (
		s                models.Script
		tags             string
		created, updated string
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &s.Hook, &s.Description, &tags,
		&s.CurrentVersionID, &created, &updated); err != nil {
		return nil, err
	}
	s.Tags = decodeTags(tags)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

func sqliteScanVersion(row rowScanner) (*models.ScriptVersion, error) {
	var (
		v       models.ScriptVersion
		tags    string
		created string
	)
	if err := row.Scan(&v.ID, &v.ScriptID, &v.SequenceNumber, &v.Content, &v.Title, &v.Hook,
		&v.Description, &tags, &v.ChangeSummary, &v.CreatedBy, &created); err != nil {
		return nil, err
	}
	v.Tags = decodeTags(tags)
	v.CreatedAt = parseTime(created)
	return &v, nil
}

func sqliteScanRun(row rowScanner) (*models.WorkflowRun, error) {
	var (
		run              models.WorkflowRun
		stage, wc        string
		started, updated string
	)
	if err := row.Scan(&run.SessionID, &run.OwnerID, &stage, &run.Progress, &run.Message, &wc,
		&run.ScriptID, &run.Error, &started, &updated); err != nil {
		return nil, err
	}
	run.Stage = models.Stage(stage)
	if err := json.Unmarshal([]byte(wc), &run.Context); err != nil {
		return nil, errors.Wrap(err, "decode run context")
	}
	run.StartedAt = parseTime(started)
	run.UpdatedAt = parseTime(updated)
	return &run, nil
}

func encodeTags(tags []string) string {
	data, err := json.Marshal(nonNil(tags))
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeTags(raw string) []string {
	tags := []string{}
	if raw == "" {
		return tags
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}
	}
	return tags
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sqliteLimit maps a non-positive limit to SQLite's "no limit" value.
func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// translateSQLiteError maps constraint failures onto ErrConflict. The
// modernc driver reports them only through the error text.
func translateSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return errors.Wrap(ErrConflict, msg)
	}
	return err
}
