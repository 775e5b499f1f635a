package funnel_test

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"FunnelBot/bot/funnel"
	"FunnelBot/entity"
	"FunnelBot/internal/database/memory"
	"FunnelBot/internal/service/dedup"
	"FunnelBot/internal/service/dispatcher"
	"FunnelBot/internal/service/jobs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenant = "t1"
	bot    = "b1"
)

type fakeMessenger struct {
	mu     sync.Mutex
	sent   []entity.OutboundMessage
	status entity.SendStatus
}

func (m *fakeMessenger) Send(_ context.Context, msg entity.OutboundMessage) entity.SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.status != "" && m.status != entity.SendSent {
		return entity.SendResult{Status: m.status}
	}
	return entity.SendResult{Status: entity.SendSent, PlatformMessageID: strconv.Itoa(len(m.sent))}
}

// drain returns the texts sent since the previous call.
func (m *fakeMessenger) drain() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		out = append(out, s.Content.Text)
	}
	m.sent = nil
	return out
}

type harness struct {
	store  *memory.Store
	defs   *funnel.Store
	msgr   *fakeMessenger
	engine *funnel.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	defs := funnel.NewStore(store, time.Minute, log)
	exec := funnel.NewExecutor(funnel.ExecutorOptions{RetryText: "Please try again"}, nil, log)
	msgr := &fakeMessenger{}

	engine := funnel.NewEngine(defs, exec, store, store, store, msgr, funnel.EngineOptions{
		StateTTL:     time.Hour,
		CASAttempts:  50,
		FallbackText: "Sorry, I did not get that",
	}, log)
	runner := jobs.NewRunner(store, jobs.Options{}, log)
	disp := dispatcher.New(store, store, store, store, dispatcher.Options{}, log)
	disp.SetJobScheduler(runner)
	engine.SetActionDispatcher(disp)
	engine.SetJobScheduler(runner)
	engine.SetDeduplicator(dedup.NewMemory(time.Minute))

	return &harness{store: store, defs: defs, msgr: msgr, engine: engine}
}

func (h *harness) event(id string, kind entity.EventKind, payload string) *entity.InboundEvent {
	return &entity.InboundEvent{
		TenantID:             tenant,
		BotID:                bot,
		ExternalUserID:       100,
		ChatID:               "100",
		Kind:                 kind,
		Payload:              payload,
		RawPlatformMessageID: id,
		Profile:              entity.UserProfile{FirstName: "John", Locale: "en"},
		ReceivedAt:           time.Now(),
	}
}

func (h *harness) send(t *testing.T, id string, kind entity.EventKind, payload string) []string {
	t.Helper()
	require.NoError(t, h.engine.HandleEvent(context.Background(), h.event(id, kind, payload)))
	return h.msgr.drain()
}

func userID() string {
	return entity.ConversationUserID(tenant, bot, 100)
}

func putLeadFunnel(s *memory.Store) {
	s.PutFunnel(&entity.Funnel{ID: "lead", TenantID: tenant, BotID: bot, IsActive: true, Priority: 1, EntryStepID: "ask_name"},
		&entity.Step{ID: "ask_name", Position: 1, Type: entity.StepInput, InputType: entity.InputText, InputField: "name",
			Content: entity.Content{Text: "What is your name?"}, NextStepID: "ask_phone"},
		&entity.Step{ID: "ask_phone", Position: 2, Type: entity.StepInput, InputType: entity.InputPhone, InputField: "phone",
			Content: entity.Content{Text: "Your phone?"}, NextStepID: "done"},
		&entity.Step{ID: "done", Position: 3, Type: entity.StepAction, Content: entity.Content{Text: "Thanks, {{name}}!"},
			Actions: []entity.Action{{Type: entity.ActionCreateLead, Config: map[string]any{"fields": map[string]any{"source": "telegram"}}}}},
	)
	s.PutTrigger(&entity.Trigger{ID: "start", TenantID: tenant, BotID: bot, FunnelID: "lead",
		Type: entity.TriggerCommand, Value: "/start", MatchType: entity.MatchExact, IsActive: true})
}

func TestEngine_LeadFunnelWithReplay(t *testing.T) {
	h := newHarness(t)
	putLeadFunnel(h.store)

	assert.Equal(t, []string{"What is your name?"}, h.send(t, "1", entity.EventCommand, "/start"))
	assert.Equal(t, []string{"Your phone?"}, h.send(t, "2", entity.EventText, "John"))
	assert.Equal(t, []string{"Please try again", "Your phone?"}, h.send(t, "3", entity.EventText, "not a phone"))
	assert.Equal(t, []string{"Thanks, John!"}, h.send(t, "4", entity.EventText, "+380 50 111 22 33"))

	leads := h.store.Leads()
	require.Len(t, leads, 1)
	assert.Equal(t, entity.LeadID(tenant, userID(), "lead"), leads[0].ID)
	assert.Equal(t, map[string]any{"name": "John", "phone": "+380501112233", "source": "telegram"}, leads[0].Fields)

	user, err := h.store.GetConversationUser(context.Background(), userID())
	require.NoError(t, err)
	assert.Equal(t, leads[0].ID, user.LeadID)

	// redelivery inside the dedup window
	assert.Empty(t, h.send(t, "4", entity.EventText, "+380 50 111 22 33"))
	assert.Len(t, h.store.Leads(), 1)

	state, err := h.store.LoadUserState(context.Background(), userID())
	require.NoError(t, err)
	assert.False(t, state.Active())
	assert.Equal(t, "4", state.LastEventID)

	msgs := h.store.Messages(userID())
	var in, out int
	for _, m := range msgs {
		if m.Direction == entity.DirectionIn {
			in++
		} else {
			out++
		}
	}
	assert.Equal(t, 4, in)
	assert.Equal(t, 5, out)
}

func TestEngine_ReplayAfterDedupWindow(t *testing.T) {
	h := newHarness(t)
	putLeadFunnel(h.store)
	h.engine.SetDeduplicator(nil)

	h.send(t, "1", entity.EventCommand, "/start")
	h.send(t, "2", entity.EventText, "John")
	assert.Empty(t, h.send(t, "2", entity.EventText, "John"), "state remembers the last applied event")

	state, err := h.store.LoadUserState(context.Background(), userID())
	require.NoError(t, err)
	assert.Equal(t, "ask_phone", state.CurrentStepID)
}

func TestEngine_FallbackAndDefault(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{"Sorry, I did not get that"}, h.send(t, "1", entity.EventText, "hello"))

	h.store.PutFunnel(&entity.Funnel{ID: "low", TenantID: tenant, BotID: bot, IsActive: true, Priority: 1, EntryStepID: "m"},
		&entity.Step{ID: "m", Type: entity.StepMessage, Content: entity.Content{Text: "low"}})
	h.store.PutFunnel(&entity.Funnel{ID: "high", TenantID: tenant, BotID: bot, IsActive: true, Priority: 5, EntryStepID: "m"},
		&entity.Step{ID: "m", Type: entity.StepMessage, Content: entity.Content{Text: "high"}})
	h.defs.Invalidate(tenant, bot)

	assert.Equal(t, []string{"high"}, h.send(t, "2", entity.EventText, "hello"))
}

func TestEngine_DeactivatedFunnelEnds(t *testing.T) {
	h := newHarness(t)
	putLeadFunnel(h.store)
	ctx := context.Background()

	h.send(t, "1", entity.EventCommand, "/start")
	require.NoError(t, h.defs.Deactivate(ctx, "lead"))

	assert.Equal(t, []string{"Sorry, I did not get that"}, h.send(t, "2", entity.EventText, "John"))
	state, err := h.store.LoadUserState(ctx, userID())
	require.NoError(t, err)
	assert.False(t, state.Active())

	require.NoError(t, h.defs.Activate(ctx, "lead"))
	assert.Equal(t, []string{"What is your name?"}, h.send(t, "3", entity.EventCommand, "/start"))
}

func TestEngine_HandoffAndRelease(t *testing.T) {
	h := newHarness(t)
	h.store.PutFunnel(&entity.Funnel{ID: "support", TenantID: tenant, BotID: bot, IsActive: true, EntryStepID: "handoff"},
		&entity.Step{ID: "handoff", Type: entity.StepAction, Content: entity.Content{Text: "Connecting you to an operator"},
			Actions: []entity.Action{{Type: entity.ActionHandoff, Config: map[string]any{"reason": "asked for a human"}}}},
	)
	h.store.PutFunnel(&entity.Funnel{ID: "menu", TenantID: tenant, BotID: bot, IsActive: true, Priority: 10, EntryStepID: "m"},
		&entity.Step{ID: "m", Type: entity.StepMessage, Content: entity.Content{Text: "Main menu"}},
	)
	h.store.PutTrigger(&entity.Trigger{ID: "op", TenantID: tenant, BotID: bot, FunnelID: "support",
		Type: entity.TriggerKeyword, Value: "operator", MatchType: entity.MatchContains, IsActive: true})
	ctx := context.Background()

	assert.Equal(t, []string{"Connecting you to an operator"}, h.send(t, "1", entity.EventText, "I need an operator"))

	msgs := h.store.Messages(userID())
	require.NotEmpty(t, msgs)
	convID := msgs[0].ConversationID
	conv, err := h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, entity.ConversationHandoff, conv.Status)
	assert.Equal(t, "asked for a human", conv.HandoffReason)

	assert.Empty(t, h.send(t, "2", entity.EventText, "hello?"), "bot stays silent during handoff")
	last := h.store.Messages(userID())
	assert.Equal(t, "hello?", last[len(last)-1].Text)

	res, err := h.engine.OperatorReply(ctx, convID, "alice", "Hi, how can I help?")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, []string{"Hi, how can I help?"}, h.msgr.drain())
	last = h.store.Messages(userID())
	assert.Equal(t, entity.SenderOperator, last[len(last)-1].SenderType)

	require.NoError(t, h.engine.ReleaseHandoff(ctx, convID))
	conv, _ = h.store.GetConversation(ctx, convID)
	assert.Equal(t, entity.ConversationActive, conv.Status)
	assert.Equal(t, []string{"Main menu"}, h.send(t, "3", entity.EventText, "thanks"))

	assert.ErrorIs(t, h.engine.ReleaseHandoff(ctx, "missing"), funnel.ErrConversationNotFound)
}

func TestEngine_DelayResume(t *testing.T) {
	h := newHarness(t)
	h.store.PutFunnel(&entity.Funnel{ID: "drip", TenantID: tenant, BotID: bot, IsActive: true, EntryStepID: "hello"},
		&entity.Step{ID: "hello", Type: entity.StepMessage, Content: entity.Content{Text: "Hello"}, NextStepID: "wait"},
		&entity.Step{ID: "wait", Type: entity.StepDelay, DelayMs: 60000, NextStepID: "later"},
		&entity.Step{ID: "later", Type: entity.StepMessage, Content: entity.Content{Text: "A minute later"}},
	)
	ctx := context.Background()

	assert.Equal(t, []string{"Hello"}, h.send(t, "1", entity.EventCommand, "/start"))
	delays := h.store.Jobs(entity.JobDelayResume)
	require.Len(t, delays, 1)
	job := delays[0]
	assert.WithinDuration(t, time.Now().Add(time.Minute), job.RunAt, 5*time.Second)

	// a message during the delay gets the fallback and does not disturb the delay
	assert.Equal(t, []string{"Sorry, I did not get that"}, h.send(t, "2", entity.EventText, "are you there?"))
	state, err := h.store.LoadUserState(ctx, userID())
	require.NoError(t, err)
	assert.Equal(t, "wait", state.CurrentStepID)
	assert.Len(t, h.store.Jobs(entity.JobDelayResume), 1)

	require.NoError(t, h.engine.ResumeDelay(ctx, job))
	assert.Equal(t, []string{"A minute later"}, h.msgr.drain())

	require.NoError(t, h.engine.ResumeDelay(ctx, job))
	assert.Empty(t, h.msgr.drain(), "a second run of the same job is stale")
}

func TestEngine_BlockedUser(t *testing.T) {
	h := newHarness(t)
	putLeadFunnel(h.store)
	h.msgr.status = entity.SendBlocked

	h.send(t, "1", entity.EventCommand, "/start")
	user, err := h.store.GetConversationUser(context.Background(), userID())
	require.NoError(t, err)
	assert.True(t, user.IsBlocked)

	msgs := h.store.Messages(userID())
	assert.Equal(t, entity.MessageFailed, msgs[len(msgs)-1].Status)

	// writing again unblocks
	h.msgr.status = entity.SendSent
	h.send(t, "2", entity.EventText, "John")
	user, _ = h.store.GetConversationUser(context.Background(), userID())
	assert.False(t, user.IsBlocked)
}

func TestEngine_ConcurrentEventsSerialise(t *testing.T) {
	h := newHarness(t)
	h.store.PutFunnel(&entity.Funnel{ID: "count", TenantID: tenant, BotID: bot, IsActive: true, EntryStepID: "ask"},
		&entity.Step{ID: "ask", Type: entity.StepInput, InputType: entity.InputText, InputField: "answer",
			Content: entity.Content{Text: "Say something"}, NextStepID: "ask"},
	)
	h.send(t, "0", entity.EventCommand, "/start")

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := h.event(strconv.Itoa(i), entity.EventText, "msg "+strconv.Itoa(i))
			assert.NoError(t, h.engine.HandleEvent(context.Background(), ev))
		}(i)
	}
	wg.Wait()

	state, err := h.store.LoadUserState(context.Background(), userID())
	require.NoError(t, err)
	assert.Equal(t, int64(21), state.Version, "every event committed exactly once")
}
