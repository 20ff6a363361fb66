package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/fnrouter/fnrouter/internal/testutil"
)

func scheduleFixture(name string, scheduleType model.ScheduleType) *model.Schedule {
	next := testutil.TestTime().Add(time.Minute)
	return &model.Schedule{
		Name:                   name,
		Type:                   scheduleType,
		Status:                 model.ScheduleStatusActive,
		IsPersistent:           true,
		NextRunAt:              &next,
		Interval:               time.Minute,
		MaxConsecutiveFailures: 5,
		Job: model.JobTemplate{
			Type:    "fetch_feed",
			Payload: json.RawMessage(`{"feed":"main"}`),
		},
	}
}

func TestScheduleRepo_Integration_CreateAndGet(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db)
		ctx := context.Background()

		created, err := repo.Create(ctx, scheduleFixture("poller", model.ScheduleTypeSequentialInterval))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, model.ScheduleStatusActive, created.Status)
		assert.Equal(t, time.Minute, created.Interval)

		byName, err := repo.GetByName(ctx, "poller")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byName.ID)

		byID, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "poller", byID.Name)

		_, err = repo.GetByName(ctx, "missing")
		assert.ErrorIs(t, err, ErrScheduleNotFound)

		// Duplicate names are rejected by the unique index.
		_, err = repo.Create(ctx, scheduleFixture("poller", model.ScheduleTypeSequentialInterval))
		assert.ErrorIs(t, err, ErrDuplicateName)
	})
}

func TestScheduleRepo_Integration_UpdatePatch(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db)
		ctx := context.Background()

		_, err := repo.Create(ctx, scheduleFixture("poller", model.ScheduleTypeSequentialInterval))
		require.NoError(t, err)

		jobID := "job-1"
		failures := 2
		msg := "upstream 503"
		updated, err := repo.Update(ctx, "poller", model.SchedulePatch{
			ActiveJobID:         &jobID,
			ClearNextRunAt:      true,
			ConsecutiveFailures: &failures,
			LastError:           &msg,
		})
		require.NoError(t, err)
		require.NotNil(t, updated.ActiveJobID)
		assert.Equal(t, "job-1", *updated.ActiveJobID)
		assert.Nil(t, updated.NextRunAt)
		assert.Equal(t, 2, updated.ConsecutiveFailures)
		require.NotNil(t, updated.LastError)
		assert.Equal(t, "upstream 503", *updated.LastError)

		// Fields outside the patch keep their stored value.
		assert.Equal(t, time.Minute, updated.Interval)
		assert.Equal(t, "fetch_feed", updated.Job.Type)

		cleared, err := repo.Update(ctx, "poller", model.SchedulePatch{
			ClearActiveJobID: true,
			ClearLastError:   true,
		})
		require.NoError(t, err)
		assert.Nil(t, cleared.ActiveJobID)
		assert.Nil(t, cleared.LastError)

		_, err = repo.Update(ctx, "missing", model.SchedulePatch{})
		assert.ErrorIs(t, err, ErrScheduleNotFound)
	})
}

func TestScheduleRepo_Integration_DueAndWakeup(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db)
		ctx := context.Background()
		now := testutil.TestTime()

		early := scheduleFixture("early", model.ScheduleTypeConcurrentInterval)
		at := now.Add(-2 * time.Minute)
		early.NextRunAt = &at
		_, err := repo.Create(ctx, early)
		require.NoError(t, err)

		late := scheduleFixture("late", model.ScheduleTypeConcurrentInterval)
		lateAt := now.Add(-time.Minute)
		late.NextRunAt = &lateAt
		_, err = repo.Create(ctx, late)
		require.NoError(t, err)

		paused := scheduleFixture("paused", model.ScheduleTypeConcurrentInterval)
		paused.Status = model.ScheduleStatusPaused
		pausedAt := now.Add(-time.Hour)
		paused.NextRunAt = &pausedAt
		_, err = repo.Create(ctx, paused)
		require.NoError(t, err)

		due, err := repo.GetDueBefore(ctx, now)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "early", due[0].Name)
		assert.Equal(t, "late", due[1].Name)

		// Paused schedules do not contribute to the wakeup target either.
		wakeup, err := repo.NextWakeup(ctx)
		require.NoError(t, err)
		require.NotNil(t, wakeup)
		assert.True(t, wakeup.Equal(at))
	})
}

func TestScheduleRepo_Integration_DeleteEphemeral(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db)
		ctx := context.Background()

		durable := scheduleFixture("durable", model.ScheduleTypeSequentialInterval)
		_, err := repo.Create(ctx, durable)
		require.NoError(t, err)

		ephemeral := scheduleFixture("ephemeral", model.ScheduleTypeSequentialInterval)
		ephemeral.IsPersistent = false
		_, err = repo.Create(ctx, ephemeral)
		require.NoError(t, err)

		purged, err := repo.DeleteEphemeral(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		_, err = repo.GetByName(ctx, "ephemeral")
		assert.ErrorIs(t, err, ErrScheduleNotFound)
		_, err = repo.GetByName(ctx, "durable")
		assert.NoError(t, err)
	})
}

func TestScheduleRepo_Integration_ListWithActiveJob(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db)
		ctx := context.Background()

		_, err := repo.Create(ctx, scheduleFixture("idle", model.ScheduleTypeSequentialInterval))
		require.NoError(t, err)

		_, err = repo.Create(ctx, scheduleFixture("busy", model.ScheduleTypeSequentialInterval))
		require.NoError(t, err)
		jobID := "job-9"
		_, err = repo.Update(ctx, "busy", model.SchedulePatch{ActiveJobID: &jobID, ClearNextRunAt: true})
		require.NoError(t, err)

		// Status does not matter for recovery; error rows are included too.
		_, err = repo.Create(ctx, scheduleFixture("errored", model.ScheduleTypeSequentialInterval))
		require.NoError(t, err)
		errJobID := "job-10"
		errStatus := model.ScheduleStatusError
		_, err = repo.Update(ctx, "errored", model.SchedulePatch{ActiveJobID: &errJobID, Status: &errStatus})
		require.NoError(t, err)

		inFlight, err := repo.ListWithActiveJob(ctx)
		require.NoError(t, err)
		require.Len(t, inFlight, 2)

		names := []string{inFlight[0].Name, inFlight[1].Name}
		assert.Contains(t, names, "busy")
		assert.Contains(t, names, "errored")
	})
}

func TestScheduleRepo_Integration_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db)
		ctx := context.Background()

		_, err := repo.Create(ctx, scheduleFixture("poller", model.ScheduleTypeSequentialInterval))
		require.NoError(t, err)

		removed, err := repo.Delete(ctx, "poller")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = repo.Delete(ctx, "poller")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}
