package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"FunnelBot/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyRepo struct {
	keys  map[string]string
	calls int
	err   error
}

func (r *keyRepo) ListMessages(_ context.Context, conversationID string, limit int64) ([]*entity.Message, error) {
	return []*entity.Message{{ConversationID: conversationID, Text: fmt.Sprint(limit)}}, nil
}

func (r *keyRepo) CheckApiKey(key string) (string, error) {
	r.calls++
	return r.keys[key], r.err
}

type replyEngine struct {
	res entity.SendResult
	err error
}

func (e *replyEngine) HandleEvent(context.Context, *entity.InboundEvent) error { return nil }
func (e *replyEngine) ReleaseHandoff(context.Context, string) error            { return nil }
func (e *replyEngine) OperatorReply(context.Context, string, string, string) (entity.SendResult, error) {
	return e.res, e.err
}

type counter struct {
	due, stale, swept chan struct{}
}

func (c *counter) Start(context.Context, string) error                       { return nil }
func (c *counter) Pause(context.Context, string) error                       { return nil }
func (c *counter) Resume(context.Context, string) error                      { return nil }
func (c *counter) Cancel(context.Context, string) error                      { return nil }
func (c *counter) Status(context.Context, string) (*entity.Broadcast, error) { return nil, nil }
func (c *counter) StartDue(context.Context)                                  { notify(c.due) }
func (c *counter) RecoverStale(context.Context)                              { notify(c.stale) }
func (c *counter) Sweep() int                                                { notify(c.swept); return 0 }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func newTestCore() *Core {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthenticateKey(t *testing.T) {
	c := newTestCore()
	c.SetAuthKey("root-key")
	repo := &keyRepo{keys: map[string]string{"k1": "alice"}}
	c.SetRepository(repo)

	op, err := c.AuthenticateKey("root-key")
	require.NoError(t, err)
	assert.Equal(t, "admin", op.Username)

	op, err = c.AuthenticateKey("k1")
	require.NoError(t, err)
	assert.Equal(t, "alice", op.Username)
	_, _ = c.AuthenticateKey("k1")
	assert.Equal(t, 1, repo.calls, "accepted keys are cached")

	op, err = c.AuthenticateKey("unknown")
	require.NoError(t, err)
	assert.Nil(t, op)

	op, err = c.AuthenticateKey("")
	require.NoError(t, err)
	assert.Nil(t, op)

	repo.err = errors.New("mongo down")
	_, err = c.AuthenticateKey("other")
	assert.Error(t, err)
}

func TestReplyToConversation(t *testing.T) {
	ctx := context.Background()
	c := newTestCore()
	assert.Error(t, c.ReplyToConversation(ctx, "c1", "alice", "hi"))

	c.SetEngine(&replyEngine{res: entity.SendResult{Status: entity.SendSent}})
	assert.NoError(t, c.ReplyToConversation(ctx, "c1", "alice", "hi"))

	c.SetEngine(&replyEngine{res: entity.SendResult{Status: entity.SendBlocked}})
	assert.ErrorContains(t, c.ReplyToConversation(ctx, "c1", "alice", "hi"), "blocked")

	c.SetEngine(&replyEngine{err: errors.New("conversation not found")})
	assert.Error(t, c.ReplyToConversation(ctx, "c1", "alice", "hi"))
}

func TestConversationMessagesLimit(t *testing.T) {
	c := newTestCore()
	c.SetRepository(&keyRepo{})
	for in, want := range map[int]string{0: "200", 10: "10", 5000: "200"} {
		msgs, err := c.ConversationMessages(context.Background(), "c1", in)
		require.NoError(t, err)
		assert.Equal(t, want, msgs[0].Text)
	}
}

func TestStartCron(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cnt := &counter{due: make(chan struct{}, 1), stale: make(chan struct{}, 1), swept: make(chan struct{}, 1)}
	c := newTestCore()
	c.SetBroadcastScheduler(cnt)
	c.SetJobRunner(cnt)
	c.SetSweeper(cnt)

	_, err := c.StartCron(ctx, Schedule{DueBroadcasts: "not a spec"})
	assert.Error(t, err)

	_, err = c.StartCron(ctx, Schedule{DueBroadcasts: "* * * * * *", StaleJobs: "* * * * * *", DedupSweep: "* * * * * *"})
	require.NoError(t, err)

	for name, ch := range map[string]chan struct{}{"due": cnt.due, "stale": cnt.stale, "sweep": cnt.swept} {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("%s task did not run", name)
		}
	}
}
