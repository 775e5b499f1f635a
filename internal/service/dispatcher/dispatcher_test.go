package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"FunnelBot/bot/funnel"
	"FunnelBot/entity"
	"FunnelBot/internal/database/memory"
	"FunnelBot/internal/lib/signature"
	"FunnelBot/internal/service/jobs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

type recordingNotifier struct {
	convs []*entity.Conversation
}

func (n *recordingNotifier) OnHandoff(conv *entity.Conversation, _ *entity.ConversationUser) {
	n.convs = append(n.convs, conv)
}

type fixture struct {
	store *memory.Store
	disp  *Dispatcher
	user  *entity.ConversationUser
	conv  *entity.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	user := &entity.ConversationUser{ID: "u1", TenantID: "t1", BotID: "b1", ExternalID: 7, Username: "john", FirstName: "John"}
	store.PutUser(user)
	conv, err := store.OpenConversation(context.Background(), user)
	require.NoError(t, err)

	d := New(store, store, store, store, Options{
		Webhook:    WebhookOptions{Secret: secret, Timeout: 2 * time.Second},
		RetryDelay: time.Minute,
	}, log)
	d.SetJobScheduler(jobs.NewRunner(store, jobs.Options{}, log))
	return &fixture{store: store, disp: d, user: user, conv: conv}
}

func (f *fixture) request(eventID string, action entity.Action, data map[string]any) *funnel.ActionRequest {
	return &funnel.ActionRequest{
		TenantID:       "t1",
		BotID:          "b1",
		User:           f.user,
		ConversationID: f.conv.ID,
		FunnelID:       "lead",
		StepID:         "done",
		EventID:        eventID,
		Action:         action,
		Data:           data,
	}
}

func (f *fixture) execution(t *testing.T, eventID string, action entity.ActionType) *entity.ActionExecution {
	t.Helper()
	exec, err := f.store.GetExecution(context.Background(), ExecutionID(eventID, "done", action))
	require.NoError(t, err)
	require.NotNil(t, exec)
	return exec
}

func TestDispatch_CreateLeadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	action := entity.Action{Type: entity.ActionCreateLead}
	data := map[string]any{"name": "John", "phone": "+380501112233"}

	require.NoError(t, f.disp.Dispatch(ctx, f.request("m4", action, data)))
	require.NoError(t, f.disp.Dispatch(ctx, f.request("m4", action, data)))
	require.NoError(t, f.disp.Dispatch(ctx, f.request("m9", action, map[string]any{"name": "Johnny"})))

	leads := f.store.Leads()
	require.Len(t, leads, 1)
	assert.Equal(t, entity.LeadID("t1", "u1", "lead"), leads[0].ID)
	assert.Equal(t, "Johnny", leads[0].Fields["name"])

	exec := f.execution(t, "m4", entity.ActionCreateLead)
	assert.Equal(t, entity.ExecutionSucceeded, exec.Status)
	assert.Equal(t, 1, exec.Attempts)

	user, _ := f.store.GetConversationUser(ctx, "u1")
	assert.Equal(t, leads[0].ID, user.LeadID)
}

func TestDispatch_TagAndUpdateUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.disp.Dispatch(ctx, f.request("m1", entity.Action{
		Type:   entity.ActionTag,
		Config: map[string]any{"tags": []any{"lead", "warm"}, "tag": "ua"},
	}, nil)))
	require.NoError(t, f.disp.Dispatch(ctx, f.request("m1", entity.Action{
		Type:   entity.ActionUpdateUser,
		Config: map[string]any{"fields": "email", "attributes": map[string]any{"source": "bot"}},
	}, map[string]any{"email": "j@x.io", "phone": "+1"})))

	user, err := f.store.GetConversationUser(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lead", "warm", "ua"}, user.Tags)
	assert.Equal(t, map[string]any{"email": "j@x.io", "source": "bot"}, user.Attributes)
}

func TestDispatch_Handoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n := &recordingNotifier{}
	f.disp.SetHandoffNotifier(n)

	require.NoError(t, f.disp.Dispatch(ctx, f.request("m1", entity.Action{Type: entity.ActionHandoff}, nil)))

	conv, err := f.store.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ConversationHandoff, conv.Status)
	assert.Equal(t, "funnel lead step done", conv.HandoffReason)
	require.Len(t, n.convs, 1)
	assert.Equal(t, f.conv.ID, n.convs[0].ID)
}

func TestDispatch_WebhookSigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := signature.Verify(secret, r.Header.Get(signature.HeaderSignature), r.Header.Get(signature.HeaderTimestamp), body, time.Minute, time.Now())
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "crm", r.Header.Get("X-Source"))
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := f.disp.Dispatch(ctx, f.request("m1", entity.Action{
		Type:   entity.ActionWebhook,
		Config: map[string]any{"url": srv.URL, "headers": map[string]any{"X-Source": "crm"}},
	}, map[string]any{"name": "John"}))
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "funnel.webhook", got["event"])
	assert.Equal(t, "lead", got["funnel_id"])
	assert.Equal(t, map[string]any{"name": "John"}, got["data"])
	assert.Equal(t, "John", got["user"].(map[string]any)["name"])
	assert.Equal(t, entity.ExecutionSucceeded, f.execution(t, "m1", entity.ActionWebhook).Status)
}

func TestDispatch_WebhookTransientThenRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var healthy atomic.Bool
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	action := entity.Action{Type: entity.ActionSendNotification, Config: map[string]any{"url": srv.URL, "text": "New lead"}}
	require.NoError(t, f.disp.Dispatch(ctx, f.request("m1", action, nil)), "transient failures do not reach the user path")

	exec := f.execution(t, "m1", entity.ActionSendNotification)
	assert.Equal(t, entity.ExecutionRetrying, exec.Status)
	assert.Contains(t, exec.LastError, "502")

	retries := f.store.Jobs(entity.JobActionRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, exec.ID, retries[0].PayloadString("execution_id"))
	assert.Equal(t, 4, retries[0].MaxAttempts)

	// a replay while the retry is pending does not post again
	before := calls.Load()
	require.NoError(t, f.disp.Dispatch(ctx, f.request("m1", action, nil)))
	assert.Equal(t, before, calls.Load())

	healthy.Store(true)
	require.NoError(t, f.disp.RetryAction(ctx, retries[0]))
	exec = f.execution(t, "m1", entity.ActionSendNotification)
	assert.Equal(t, entity.ExecutionSucceeded, exec.Status)
	assert.Equal(t, 2, exec.Attempts)
}

func TestDispatch_WebhookRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := f.disp.Dispatch(ctx, f.request("m1", entity.Action{Type: entity.ActionWebhook, Config: map[string]any{"url": srv.URL}}, nil))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
	assert.False(t, se.Retryable())

	assert.Equal(t, entity.ExecutionFailed, f.execution(t, "m1", entity.ActionWebhook).Status)
	assert.Empty(t, f.store.Jobs(entity.JobActionRetry))
}

func TestDispatch_NotificationWithoutTargetIsSkipped(t *testing.T) {
	f := newFixture(t)
	err := f.disp.Dispatch(context.Background(), f.request("m1", entity.Action{Type: entity.ActionSendNotification}, nil))
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionSucceeded, f.execution(t, "m1", entity.ActionSendNotification).Status)
}

func TestExecutionID(t *testing.T) {
	a := ExecutionID("m1", "s1", entity.ActionWebhook)
	assert.Equal(t, a, ExecutionID("m1", "s1", entity.ActionWebhook))
	assert.NotEqual(t, a, ExecutionID("m2", "s1", entity.ActionWebhook))
	assert.NotEqual(t, a, ExecutionID("m1", "s1", entity.ActionCreateLead))
}

func TestStringList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringList(map[string]any{"k": "a, b,"}, "k"))
	assert.Equal(t, []string{"a"}, stringList(map[string]any{"k": []any{"a", 1, ""}}, "k"))
	assert.Nil(t, stringList(map[string]any{}, "k"))
}
