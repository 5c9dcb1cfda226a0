package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptforge/backend/internal/repository"
	"scriptforge/backend/pkg/models"
)

func newTestServices(t *testing.T) (*repository.MemoryStore, *VersionService, *RevertService) {
	t.Helper()
	store := repository.NewMemoryStore()
	versions := NewVersionService(store)
	return store, versions, NewRevertService(versions)
}

func createScript(t *testing.T, svc *VersionService, owner string) (*models.Script, *models.ScriptVersion) {
	t.Helper()
	script, first, err := svc.CreateScript(context.Background(), owner, VersionInput{
		Title:   "Intro hook",
		Content: "Version one body",
		Tags:    []string{"intro", " Intro ", ""},
	})
	require.NoError(t, err)
	return script, first
}

func TestCreateScript(t *testing.T) {
	_, svc, _ := newTestServices(t)
	script, first := createScript(t, svc, "alice")

	assert.Equal(t, 1, first.SequenceNumber)
	assert.Equal(t, first.ID, script.CurrentVersionID)
	assert.Equal(t, []string{"intro"}, script.Tags, "tags are trimmed and de-duplicated")
	assert.Equal(t, "alice", first.CreatedBy)

	_, _, err := svc.CreateScript(context.Background(), "", VersionInput{Title: "t", Content: "c"})
	assert.Equal(t, KindUnauthenticated, KindOf(err))
}

func TestGetVersions_NotFoundHidesOwnership(t *testing.T) {
	_, svc, _ := newTestServices(t)
	script, _ := createScript(t, svc, "alice")
	ctx := context.Background()

	_, errMissing := svc.GetVersions(ctx, "does-not-exist", "bob", 10)
	_, errForeign := svc.GetVersions(ctx, script.ID, "bob", 10)

	assert.Equal(t, KindNotFound, KindOf(errMissing))
	assert.Equal(t, KindNotFound, KindOf(errForeign))
	assert.Equal(t, MessageOf(errMissing), MessageOf(errForeign))
}

func TestSaveAsVersion_RoundTrip(t *testing.T) {
	_, svc, _ := newTestServices(t)
	script, _ := createScript(t, svc, "alice")
	ctx := context.Background()

	v, err := svc.SaveAsVersion(ctx, script.ID, "alice", VersionInput{
		Title:         "Sharper intro",
		Content:       "Version two body",
		ChangeSummary: "tightened the hook",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v.SequenceNumber)

	versions, err := svc.GetVersions(ctx, script.ID, "alice", 0)
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, v.ID, versions[0].ID, "new version is the newest entry")

	got, err := svc.GetScript(ctx, script.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.CurrentVersionID)
	assert.Equal(t, "Sharper intro", got.Title)
}

func TestSaveAsVersion_Errors(t *testing.T) {
	_, svc, _ := newTestServices(t)
	script, first := createScript(t, svc, "alice")
	ctx := context.Background()
	valid := VersionInput{Title: "t", Content: "c"}

	tests := []struct {
		name      string
		scriptID  string
		requester string
		input     VersionInput
		want      Kind
	}{
		{"missing title", script.ID, "alice", VersionInput{Content: "c"}, KindValidation},
		{"blank content", script.ID, "alice", VersionInput{Title: "t", Content: "  "}, KindValidation},
		{"missing script", "nope", "alice", valid, KindNotFound},
		{"not owner", script.ID, "bob", valid, KindPermissionDenied},
		{"anonymous", script.ID, "", valid, KindUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SaveAsVersion(ctx, tt.scriptID, tt.requester, tt.input)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}

	versions, err := svc.GetVersions(ctx, script.ID, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	assert.Equal(t, first.ID, versions[0].ID)
}

func TestSaveAsVersion_BaseVersionConflict(t *testing.T) {
	_, svc, _ := newTestServices(t)
	script, first := createScript(t, svc, "alice")
	ctx := context.Background()

	_, err := svc.SaveAsVersion(ctx, script.ID, "alice", VersionInput{Title: "tab 1", Content: "one", BaseVersionID: first.ID})
	require.NoError(t, err)

	_, err = svc.SaveAsVersion(ctx, script.ID, "alice", VersionInput{Title: "tab 2", Content: "two", BaseVersionID: first.ID})
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestSequenceNumbersAcrossSavesAndReverts(t *testing.T) {
	_, svc, revert := newTestServices(t)
	script, first := createScript(t, svc, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.SaveAsVersion(ctx, script.ID, "alice", VersionInput{Title: "t", Content: fmt.Sprintf("edit %d", i)})
		require.NoError(t, err)
	}
	_, _, err := revert.RevertToVersion(ctx, script.ID, first.ID, "alice")
	require.NoError(t, err)

	versions, err := svc.GetVersions(ctx, script.ID, "alice", 0)
	require.NoError(t, err)
	require.Len(t, versions, 5)
	for i, v := range versions {
		assert.Equal(t, 5-i, v.SequenceNumber)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultVersionLimit, ClampLimit(0))
	assert.Equal(t, DefaultVersionLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxVersionLimit, ClampLimit(1000))
}

func TestListScripts(t *testing.T) {
	_, svc, _ := newTestServices(t)
	createScript(t, svc, "alice")
	createScript(t, svc, "bob")

	scripts, err := svc.ListScripts(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "alice", scripts[0].OwnerID)
}
