package services

import "scriptforge/backend/pkg/models"

// CanAccess is the single ownership predicate for scripts. Every read, save,
// revert and resume path goes through it so that "missing" and "not yours"
// are decided the same way everywhere.
func CanAccess(script *models.Script, requesterID string) bool {
	return script != nil && requesterID != "" && script.OwnerID == requesterID
}

// CanAccessRun applies the same rule to workflow runs.
func CanAccessRun(run *models.WorkflowRun, requesterID string) bool {
	return run != nil && requesterID != "" && run.OwnerID == requesterID
}
