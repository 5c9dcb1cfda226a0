// Package models defines the domain models for the script service
package models

import (
	"time"
)

// Script is a user-owned document. CurrentVersionID is a movable pointer
// into the script's append-only version history.
type Script struct {
	ID               string    `json:"id" db:"id"`
	OwnerID          string    `json:"owner_id" db:"owner_id"`
	Title            string    `json:"title" db:"title"`
	Hook             string    `json:"hook,omitempty" db:"hook"`
	Description      string    `json:"description,omitempty" db:"description"`
	Tags             []string  `json:"tags" db:"tags"`
	CurrentVersionID string    `json:"current_version_id" db:"current_version_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// ScriptVersion is an immutable snapshot of a script. Versions are never
// updated or deleted once stored.
type ScriptVersion struct {
	ID             string    `json:"id" db:"id"`
	ScriptID       string    `json:"script_id" db:"script_id"`
	SequenceNumber int       `json:"sequence_number" db:"sequence_number"`
	Content        string    `json:"content" db:"content"`
	Title          string    `json:"title" db:"title"`
	Hook           string    `json:"hook,omitempty" db:"hook"`
	Description    string    `json:"description,omitempty" db:"description"`
	Tags           []string  `json:"tags" db:"tags"`
	ChangeSummary  string    `json:"change_summary,omitempty" db:"change_summary"`
	CreatedBy      string    `json:"created_by" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Snapshot copies the descriptive fields of a version onto the script it
// belongs to.
func (s *Script) Snapshot(v *ScriptVersion) {
	s.Title = v.Title
	s.Hook = v.Hook
	s.Description = v.Description
	s.Tags = append([]string(nil), v.Tags...)
	s.CurrentVersionID = v.ID
}

// Clone returns a deep copy of the version.
func (v ScriptVersion) Clone() ScriptVersion {
	v.Tags = append([]string(nil), v.Tags...)
	return v
}

// Clone returns a deep copy of the script.
func (s Script) Clone() Script {
	s.Tags = append([]string(nil), s.Tags...)
	return s
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Kind     string `json:"kind,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}
