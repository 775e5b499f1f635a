package memory

import (
	"context"
	"testing"
	"time"

	"FunnelBot/bot/funnel"
	"FunnelBot/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveUserStateCAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	user := &entity.ConversationUser{ID: "u1", TenantID: "t1", BotID: "b1"}

	st := entity.NewUserState(user)
	require.NoError(t, s.SaveUserState(ctx, st, 0))
	assert.Equal(t, int64(1), st.Version)

	stale := entity.NewUserState(user)
	assert.ErrorIs(t, s.SaveUserState(ctx, stale, 0), funnel.ErrStateConflict)

	loaded, err := s.LoadUserState(ctx, "u1")
	require.NoError(t, err)
	loaded.CurrentFunnelID = "lead"
	require.NoError(t, s.SaveUserState(ctx, loaded, 1))
	assert.ErrorIs(t, s.SaveUserState(ctx, loaded.Clone(), 1), funnel.ErrStateConflict)

	// the stored copy is not shared with the caller
	loaded.CurrentFunnelID = "other"
	again, _ := s.LoadUserState(ctx, "u1")
	assert.Equal(t, "lead", again.CurrentFunnelID)
	assert.Equal(t, int64(2), again.Version)

	missing, err := s.LoadUserState(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_UpsertConversationUser(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, created, err := s.UpsertConversationUser(ctx, &entity.ConversationUser{ID: "u1", FirstName: "Ann"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Ann", u.FirstName)

	require.NoError(t, s.SetUserBlocked(ctx, "u1", true))
	u, created, err = s.UpsertConversationUser(ctx, &entity.ConversationUser{ID: "u1", FirstName: "Anna"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Anna", u.FirstName)
	assert.False(t, u.IsBlocked, "writing to the bot unblocks it")
}

func TestStore_OpenConversationReusesOpen(t *testing.T) {
	ctx := context.Background()
	s := New()
	user := &entity.ConversationUser{ID: "u1"}

	c1, err := s.OpenConversation(ctx, user)
	require.NoError(t, err)
	c2, err := s.OpenConversation(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)

	require.NoError(t, s.UpdateConversationStatus(ctx, c1.ID, entity.ConversationClosed, "", ""))
	c3, err := s.OpenConversation(ctx, user)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c3.ID)
}

func TestStore_ListMessages(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i, text := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendMessage(ctx, &entity.Message{ID: text, ConversationID: "c1", Text: text, CreatedAt: time.Unix(int64(i), 0)}))
	}
	require.NoError(t, s.AppendMessage(ctx, &entity.Message{ID: "x", ConversationID: "c2"}))

	msgs, err := s.ListMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Text)
	assert.Equal(t, "c", msgs[1].Text)
}

func TestStore_EnqueueJobDedupe(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.EnqueueJob(ctx, &entity.Job{ID: "j1", Kind: entity.JobDelayResume, DedupeKey: "d", Status: entity.JobPending, RunAt: now}))
	require.NoError(t, s.EnqueueJob(ctx, &entity.Job{ID: "j2", Kind: entity.JobDelayResume, DedupeKey: "d", Status: entity.JobPending, RunAt: now}))
	assert.Len(t, s.Jobs(entity.JobDelayResume), 1)

	claimed, err := s.ClaimDueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.CompleteJob(ctx, "j1"))

	require.NoError(t, s.EnqueueJob(ctx, &entity.Job{ID: "j3", Kind: entity.JobDelayResume, DedupeKey: "d", Status: entity.JobPending, RunAt: now}))
	assert.Len(t, s.Jobs(entity.JobDelayResume), 2)
}
