package services

import (
	"context"
	"errors"
	"fmt"

	"scriptforge/backend/internal/repository"
	"scriptforge/backend/pkg/models"
)

// RevertService restores earlier script content by appending a copy of the
// target version. History is never rewound.
type RevertService struct {
	versions *VersionService
}

// NewRevertService creates a new RevertService.
func NewRevertService(versions *VersionService) *RevertService {
	return &RevertService{versions: versions}
}

// RevertToVersion appends a new head version whose snapshot equals the
// target's. Reverting twice to the same target yields two distinct versions.
func (s *RevertService) RevertToVersion(ctx context.Context, scriptID, targetVersionID, requesterID string) (*models.Script, *models.ScriptVersion, error) {
	const op = "revert script"
	if requesterID == "" {
		return nil, nil, Unauthenticated(op)
	}
	script, err := s.versions.ownedScript(ctx, op, scriptID, requesterID)
	if err != nil {
		return nil, nil, err
	}

	target, err := s.versions.store.GetVersion(ctx, targetVersionID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && target.ScriptID != script.ID) {
		return nil, nil, NotFound(op, "version not found for this script")
	}
	if err != nil {
		return nil, nil, translateStoreError(op, err)
	}

	input := VersionInput{
		Title:         target.Title,
		Content:       target.Content,
		Hook:          target.Hook,
		Description:   target.Description,
		Tags:          target.Tags,
		ChangeSummary: fmt.Sprintf("Reverted to version %d", target.SequenceNumber),
	}
	return s.versions.append(ctx, op, script, requesterID, input.normalize())
}
