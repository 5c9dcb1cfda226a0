package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptforge/backend/pkg/models"
)

// runStoreSuite exercises the Repository contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Repository) {
	t.Run("CreateScript stores version one", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		script, first := seedScript(t, store, "owner-1")

		got, err := store.GetScript(ctx, script.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.CurrentVersionID)
		assert.Equal(t, "Draft title", got.Title)
		assert.Equal(t, []string{"intro"}, got.Tags)

		v, err := store.GetVersion(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, v.SequenceNumber)
		assert.Equal(t, script.ID, v.ScriptID)
		assert.Equal(t, "first body", v.Content)
	})

	t.Run("missing records are ErrNotFound", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.GetScript(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetVersion(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetUserByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.AppendVersion(ctx, newVersion("nope", "x"), "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AppendVersion moves the pointer and numbers sequentially", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		script, _ := seedScript(t, store, "owner-1")

		for i := 2; i <= 4; i++ {
			v := newVersion(script.ID, fmt.Sprintf("body %d", i))
			updated, err := store.AppendVersion(ctx, v, "")
			require.NoError(t, err)
			assert.Equal(t, i, v.SequenceNumber)
			assert.Equal(t, v.ID, updated.CurrentVersionID)
		}

		versions, err := store.ListVersions(ctx, script.ID, 0)
		require.NoError(t, err)
		require.Len(t, versions, 4)
		for i, v := range versions {
			assert.Equal(t, 4-i, v.SequenceNumber, "newest first")
		}

		got, err := store.GetScript(ctx, script.ID)
		require.NoError(t, err)
		assert.Equal(t, versions[0].ID, got.CurrentVersionID)

		limited, err := store.ListVersions(ctx, script.ID, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
		assert.Equal(t, 4, limited[0].SequenceNumber)
	})

	t.Run("AppendVersion rejects a stale expected pointer", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		script, first := seedScript(t, store, "owner-1")

		_, err := store.AppendVersion(ctx, newVersion(script.ID, "second"), first.ID)
		require.NoError(t, err)

		_, err = store.AppendVersion(ctx, newVersion(script.ID, "stale"), first.ID)
		assert.ErrorIs(t, err, ErrConflict)

		versions, err := store.ListVersions(ctx, script.ID, 0)
		require.NoError(t, err)
		assert.Len(t, versions, 2, "a conflicting append writes nothing")
	})

	t.Run("concurrent appends never reuse sequence numbers", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		script, _ := seedScript(t, store, "owner-1")

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.AppendVersion(ctx, newVersion(script.ID, fmt.Sprintf("tab %d", i)), "")
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		versions, err := store.ListVersions(ctx, script.ID, 0)
		require.NoError(t, err)
		require.Len(t, versions, writers+1)
		seen := map[int]bool{}
		for _, v := range versions {
			assert.False(t, seen[v.SequenceNumber], "sequence %d reused", v.SequenceNumber)
			seen[v.SequenceNumber] = true
		}
		for i := 1; i <= writers+1; i++ {
			assert.True(t, seen[i], "sequence %d missing", i)
		}

		got, err := store.GetScript(ctx, script.ID)
		require.NoError(t, err)
		current, err := store.GetVersion(ctx, got.CurrentVersionID)
		require.NoError(t, err)
		assert.Equal(t, writers+1, current.SequenceNumber, "last committed append wins")
	})

	t.Run("ListScriptsByOwner filters by owner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedScript(t, store, "owner-1")
		seedScript(t, store, "owner-1")
		seedScript(t, store, "owner-2")

		mine, err := store.ListScriptsByOwner(ctx, "owner-1", 0)
		require.NoError(t, err)
		assert.Len(t, mine, 2)
		for _, s := range mine {
			assert.Equal(t, "owner-1", s.OwnerID)
		}

		one, err := store.ListScriptsByOwner(ctx, "owner-1", 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)
	})

	t.Run("runs upsert by session id", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		run := &models.WorkflowRun{
			SessionID: uuid.NewString(),
			OwnerID:   "owner-1",
			Stage:     models.StageInitializing,
			Message:   "Initializing...",
			Context: models.WorkflowContext{
				Request: models.GenerationRequest{Topic: "intro hook"},
			},
			StartedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.SaveRun(ctx, run))

		run.Stage = models.StageCompleted
		run.Progress = 100
		run.ScriptID = "script-1"
		run.Context.Draft.Content = "done"
		run.UpdatedAt = now.Add(time.Second)
		require.NoError(t, store.SaveRun(ctx, run))

		got, err := store.GetRun(ctx, run.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.StageCompleted, got.Stage)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, "script-1", got.ScriptID)
		assert.Equal(t, "intro hook", got.Context.Request.Topic)
		assert.Equal(t, "done", got.Context.Draft.Content)
		assert.WithinDuration(t, now, got.StartedAt, time.Millisecond)

		other := *run
		other.SessionID = uuid.NewString()
		other.OwnerID = "owner-2"
		require.NoError(t, store.SaveRun(ctx, &other))

		runs, err := store.ListRunsByOwner(ctx, "owner-1", 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, run.SessionID, runs[0].SessionID)
	})

	t.Run("users are unique by email", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		u := &models.User{ID: uuid.NewString(), Email: "writer@example.com", Name: "Writer", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, store.CreateUser(ctx, u))

		got, err := store.GetUserByEmail(ctx, "Writer@Example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)

		dup := &models.User{ID: uuid.NewString(), Email: "writer@example.com", CreatedAt: now, UpdatedAt: now}
		assert.ErrorIs(t, store.CreateUser(ctx, dup), ErrConflict)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}

func seedScript(t *testing.T, store Repository, owner string) (*models.Script, *models.ScriptVersion) {
	t.Helper()
	now := time.Now().UTC()
	script := &models.Script{ID: uuid.NewString(), OwnerID: owner, CreatedAt: now}
	first := &models.ScriptVersion{
		ID:        uuid.NewString(),
		Content:   "first body",
		Title:     "Draft title",
		Tags:      []string{"intro"},
		CreatedBy: owner,
		CreatedAt: now,
	}
	require.NoError(t, store.CreateScript(context.Background(), script, first))
	return script, first
}

func newVersion(scriptID, content string) *models.ScriptVersion {
	return &models.ScriptVersion{
		ID:        uuid.NewString(),
		ScriptID:  scriptID,
		Content:   content,
		Title:     "Title for " + content,
		CreatedBy: "owner-1",
		CreatedAt: time.Now().UTC(),
	}
}
