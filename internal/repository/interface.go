// Package repository persists scripts, their version history, workflow runs
// and users. Three interchangeable backends are provided: Postgres, SQLite and
// an in-process memory store.
package repository

import (
	"context"

	"github.com/pkg/errors"

	"scriptforge/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write loses a compare-and-swap or hits a
	// uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// ScriptStore holds scripts and their append-only version history.
type ScriptStore interface {
	// CreateScript stores a new script together with its first version. The
	// version is assigned sequence number 1 and the script's snapshot fields
	// and current pointer are taken from it.
	CreateScript(ctx context.Context, script *models.Script, first *models.ScriptVersion) error
	// GetScript returns ErrNotFound if the script does not exist.
	GetScript(ctx context.Context, id string) (*models.Script, error)
	// ListScriptsByOwner returns the owner's scripts, most recently updated first.
	ListScriptsByOwner(ctx context.Context, ownerID string, limit int) ([]models.Script, error)
	// AppendVersion assigns the next sequence number to v, stores it and
	// moves the script's current pointer to it in a single transaction.
	// When expectedCurrent is non-empty and the pointer has moved, nothing is
	// written and ErrConflict is returned.
	AppendVersion(ctx context.Context, v *models.ScriptVersion, expectedCurrent string) (*models.Script, error)
	// ListVersions returns versions of a script, newest first.
	ListVersions(ctx context.Context, scriptID string, limit int) ([]models.ScriptVersion, error)
	// GetVersion returns ErrNotFound if the version does not exist.
	GetVersion(ctx context.Context, id string) (*models.ScriptVersion, error)
}

// RunStore keeps the last known state of workflow runs.
type RunStore interface {
	// SaveRun upserts the run keyed by its session id.
	SaveRun(ctx context.Context, run *models.WorkflowRun) error
	GetRun(ctx context.Context, sessionID string) (*models.WorkflowRun, error)
	// ListRunsByOwner returns the owner's runs, newest first.
	ListRunsByOwner(ctx context.Context, ownerID string, limit int) ([]models.WorkflowRun, error)
}

// UserStore resolves authenticated identities to users.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// CreateUser returns ErrConflict if the email is already registered.
	CreateUser(ctx context.Context, user *models.User) error
}

// Repository is the full persistence surface of the service.
type Repository interface {
	ScriptStore
	RunStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
