package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"scriptforge/backend/internal/repository"
	"scriptforge/backend/pkg/models"
)

const (
	DefaultVersionLimit = 20
	MaxVersionLimit     = 100
)

// VersionInput is the content of a new version.
type VersionInput struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Hook          string   `json:"hook,omitempty"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ChangeSummary string   `json:"change_summary,omitempty"`
	// BaseVersionID, when set, must still be the script's current version
	// or the save is rejected with a conflict.
	BaseVersionID string `json:"base_version_id,omitempty"`
}

func (in VersionInput) normalize() VersionInput {
	in.Title = strings.TrimSpace(in.Title)
	in.Hook = strings.TrimSpace(in.Hook)
	in.Description = strings.TrimSpace(in.Description)
	in.ChangeSummary = strings.TrimSpace(in.ChangeSummary)
	in.BaseVersionID = strings.TrimSpace(in.BaseVersionID)
	in.Tags = normalizeTags(in.Tags)
	return in
}

func (in VersionInput) validate(op string) error {
	if in.Title == "" {
		return Validation(op, "title is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return Validation(op, "content is required")
	}
	return nil
}

// VersionService owns the script version history: ownership checks,
// validation and translation of store errors.
type VersionService struct {
	store repository.ScriptStore
	now   func() time.Time
}

// NewVersionService creates a new VersionService.
func NewVersionService(store repository.ScriptStore) *VersionService {
	return &VersionService{
		store: store,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// CreateScript stores a new script owned by ownerID with input as version 1.
func (s *VersionService) CreateScript(ctx context.Context, ownerID string, input VersionInput) (*models.Script, *models.ScriptVersion, error) {
	const op = "create script"
	if ownerID == "" {
		return nil, nil, Unauthenticated(op)
	}
	input = input.normalize()
	if err := input.validate(op); err != nil {
		return nil, nil, err
	}

	now := s.now()
	script := &models.Script{ID: uuid.NewString(), OwnerID: ownerID, CreatedAt: now}
	first := newVersion(script.ID, ownerID, input, now)
	if err := s.store.CreateScript(ctx, script, first); err != nil {
		return nil, nil, translateStoreError(op, err)
	}
	return script, first, nil
}

// GetScript returns the script if the requester owns it, NotFound otherwise.
func (s *VersionService) GetScript(ctx context.Context, scriptID, requesterID string) (*models.Script, error) {
	const op = "get script"
	if requesterID == "" {
		return nil, Unauthenticated(op)
	}
	script, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, translateStoreError(op, err)
	}
	if !CanAccess(script, requesterID) {
		return nil, NotFound(op, "script not found")
	}
	return script, nil
}

// ListScripts returns the requester's scripts, most recently updated first.
func (s *VersionService) ListScripts(ctx context.Context, requesterID string, limit int) ([]models.Script, error) {
	const op = "list scripts"
	if requesterID == "" {
		return nil, Unauthenticated(op)
	}
	scripts, err := s.store.ListScriptsByOwner(ctx, requesterID, ClampLimit(limit))
	if err != nil {
		return nil, translateStoreError(op, err)
	}
	return scripts, nil
}

// GetVersions returns up to limit versions, newest first. A missing script
// and a script owned by someone else are both NotFound.
func (s *VersionService) GetVersions(ctx context.Context, scriptID, requesterID string, limit int) ([]models.ScriptVersion, error) {
	const op = "get versions"
	if _, err := s.GetScript(ctx, scriptID, requesterID); err != nil {
		return nil, relabel(err, op)
	}
	versions, err := s.store.ListVersions(ctx, scriptID, ClampLimit(limit))
	if err != nil {
		return nil, translateStoreError(op, err)
	}
	return versions, nil
}

// SaveAsVersion appends a version and moves the script's current pointer to
// it atomically.
func (s *VersionService) SaveAsVersion(ctx context.Context, scriptID, requesterID string, input VersionInput) (*models.ScriptVersion, error) {
	const op = "save version"
	if requesterID == "" {
		return nil, Unauthenticated(op)
	}
	input = input.normalize()
	if err := input.validate(op); err != nil {
		return nil, err
	}
	script, err := s.ownedScript(ctx, op, scriptID, requesterID)
	if err != nil {
		return nil, err
	}
	_, v, err := s.append(ctx, op, script, requesterID, input)
	return v, err
}

// ownedScript loads a script for a write. Unlike reads, a write by a
// non-owner is reported as PermissionDenied.
func (s *VersionService) ownedScript(ctx context.Context, op, scriptID, requesterID string) (*models.Script, error) {
	script, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, translateStoreError(op, err)
	}
	if !CanAccess(script, requesterID) {
		return nil, PermissionDenied(op, "you do not own this script")
	}
	return script, nil
}

func (s *VersionService) append(ctx context.Context, op string, script *models.Script, requesterID string, input VersionInput) (*models.Script, *models.ScriptVersion, error) {
	v := newVersion(script.ID, requesterID, input, s.now())
	updated, err := s.store.AppendVersion(ctx, v, input.BaseVersionID)
	if err != nil {
		return nil, nil, translateStoreError(op, err)
	}
	return updated, v, nil
}

// ClampLimit applies the default page size and the upper bound.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultVersionLimit
	case limit > MaxVersionLimit:
		return MaxVersionLimit
	default:
		return limit
	}
}

func newVersion(scriptID, author string, input VersionInput, now time.Time) *models.ScriptVersion {
	return &models.ScriptVersion{
		ID:            uuid.NewString(),
		ScriptID:      scriptID,
		Content:       input.Content,
		Title:         input.Title,
		Hook:          input.Hook,
		Description:   input.Description,
		Tags:          input.Tags,
		ChangeSummary: input.ChangeSummary,
		CreatedBy:     author,
		CreatedAt:     now,
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// translateStoreError maps repository sentinels onto the error taxonomy.
func translateStoreError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return NotFound(op, "script not found")
	case errors.Is(err, repository.ErrConflict):
		return Conflict(op, err, "the script changed since base_version_id; reload and retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return Internal(op, err)
	}
}

func relabel(err error, op string) error {
	var se *Error
	if errors.As(err, &se) {
		cp := *se
		cp.Op = op
		return &cp
	}
	return err
}
