package funnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"FunnelBot/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubs struct {
	ok  bool
	err error
}

func (s stubSubs) IsSubscribed(context.Context, string, *entity.ConversationUser) (bool, error) {
	return s.ok, s.err
}

func leadGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Compile(testFunnel("lead", "ask_name"), []*entity.Step{
		{ID: "ask_name", FunnelID: "lead", Position: 1, Type: entity.StepInput, InputType: entity.InputText, InputField: "name",
			Content: entity.Content{Text: "What is your name?"}, NextStepID: "ask_phone"},
		{ID: "ask_phone", FunnelID: "lead", Position: 2, Type: entity.StepInput, InputType: entity.InputPhone, InputField: "phone",
			Content: entity.Content{Text: "Your phone?"}, NextStepID: "done",
			Validation: &entity.Validation{ErrorText: "That is not a phone number", MaxRetries: 2}},
		{ID: "done", FunnelID: "lead", Position: 3, Type: entity.StepAction,
			Content: entity.Content{Text: "Thanks, {{name}}!"},
			Actions: []entity.Action{{Type: entity.ActionCreateLead}}},
	})
	require.NoError(t, err)
	return g
}

func newTestExecutor(subs SubscriptionChecker) *Executor {
	return NewExecutor(ExecutorOptions{RetryText: "Try again", HandoffText: "An operator will reply"}, subs, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func texts(out *Outcome) []string {
	var s []string
	for _, m := range out.Messages {
		s = append(s, m.Content.Text)
	}
	return s
}

func TestExecutor_LeadFunnel(t *testing.T) {
	ctx := context.Background()
	x := newTestExecutor(nil)
	g := leadGraph(t)
	user := &entity.ConversationUser{ID: "u1", ExternalID: 1}
	state := entity.NewUserState(user)

	out := x.Start(ctx, g, "", state, user, nil)
	assert.Equal(t, []string{"What is your name?"}, texts(out))
	assert.Equal(t, "ask_name", out.State.CurrentStepID)
	assert.Equal(t, entity.InputText, out.State.WaitingFor)
	assert.Equal(t, "", state.CurrentStepID, "input state is not mutated")

	out = x.Handle(ctx, g, out.State, user, &entity.InboundEvent{Kind: entity.EventText, Payload: "John"})
	assert.Equal(t, []string{"Your phone?"}, texts(out))
	assert.Equal(t, "John", out.State.CollectedData["name"])
	assert.Equal(t, entity.InputPhone, out.State.WaitingFor)

	out = x.Handle(ctx, g, out.State, user, &entity.InboundEvent{Kind: entity.EventText, Payload: "abc"})
	assert.Equal(t, []string{"That is not a phone number", "Your phone?"}, texts(out))
	assert.Equal(t, "ask_phone", out.State.CurrentStepID)
	assert.Equal(t, 1, out.State.GetInt(entity.CtxRetries))

	out = x.Handle(ctx, g, out.State, user, &entity.InboundEvent{Kind: entity.EventText, Payload: "+380 50 111 22 33"})
	assert.Equal(t, []string{"Thanks, John!"}, texts(out))
	require.Len(t, out.Actions, 1)
	assert.Equal(t, entity.ActionCreateLead, out.Actions[0].Action.Type)
	assert.Equal(t, map[string]any{"name": "John", "phone": "+380501112233"}, out.Actions[0].Data)
	assert.True(t, out.Ended)
	assert.False(t, out.State.Active())
}

func TestExecutor_RetriesExhaustedHandsOff(t *testing.T) {
	ctx := context.Background()
	x := newTestExecutor(nil)
	g := leadGraph(t)
	user := &entity.ConversationUser{ID: "u1"}

	out := x.Start(ctx, g, "ask_phone", entity.NewUserState(user), user, nil)
	bad := &entity.InboundEvent{Kind: entity.EventText, Payload: "nope"}
	for i := 0; i < 2; i++ {
		out = x.Handle(ctx, g, out.State, user, bad)
		require.False(t, out.Handoff)
	}
	out = x.Handle(ctx, g, out.State, user, bad)
	assert.True(t, out.Handoff)
	assert.Equal(t, []string{"An operator will reply"}, texts(out))
	require.Len(t, out.Actions, 1)
	assert.Equal(t, entity.ActionHandoff, out.Actions[0].Action.Type)
	assert.True(t, out.State.GetBool(entity.CtxHandoff))
}

func TestExecutor_RetriesExhaustedTakesFallbackStep(t *testing.T) {
	ctx := context.Background()
	x := newTestExecutor(nil)
	g, err := Compile(testFunnel("f", "ask"), []*entity.Step{
		{ID: "ask", FunnelID: "f", Type: entity.StepInput, InputType: entity.InputEmail, Content: entity.Content{Text: "Email?"},
			Validation: &entity.Validation{MaxRetries: 1, FallbackStepID: "skip"}, NextStepID: "thanks"},
		{ID: "skip", FunnelID: "f", Type: entity.StepMessage, Content: entity.Content{Text: "No problem"}},
		{ID: "thanks", FunnelID: "f", Type: entity.StepMessage, Content: entity.Content{Text: "Thanks"}},
	})
	require.NoError(t, err)
	user := &entity.ConversationUser{ID: "u1"}

	out := x.Start(ctx, g, "", entity.NewUserState(user), user, nil)
	out = x.Handle(ctx, g, out.State, user, &entity.InboundEvent{Kind: entity.EventText, Payload: "x"})
	assert.Equal(t, "ask", out.State.CurrentStepID)
	out = x.Handle(ctx, g, out.State, user, &entity.InboundEvent{Kind: entity.EventText, Payload: "y"})
	assert.Equal(t, []string{"No problem"}, texts(out))
	assert.True(t, out.Ended)
	assert.False(t, out.Handoff)
}

func TestExecutor_TransitionBudget(t *testing.T) {
	ctx := context.Background()
	x := NewExecutor(ExecutorOptions{TransitionBudget: 10}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// compiles because the condition has a terminal branch, but never takes it
	g, err := Compile(testFunnel("loop", "c"), []*entity.Step{
		{ID: "c", FunnelID: "loop", Type: entity.StepCondition, Condition: &entity.Condition{Expression: "true"}, ConditionTrueStepID: "t"},
		{ID: "t", FunnelID: "loop", Type: entity.StepTag, Tags: []string{"looping"}, NextStepID: "c"},
	})
	require.NoError(t, err)
	user := &entity.ConversationUser{ID: "u1"}
	state := entity.NewUserState(user)
	state.Collect("keep", "me")

	out := x.Start(ctx, g, "", state, user, nil)
	require.Error(t, out.Err)
	assert.True(t, errors.Is(out.Err, ErrTransitionBudget))
	var exhausted *ExhaustedTransitionBudget
	require.ErrorAs(t, out.Err, &exhausted)
	assert.Equal(t, 10, exhausted.Budget)
	assert.True(t, out.Fallback)
	assert.Empty(t, out.Tags, "side effects of the aborted advance are dropped")
	assert.Equal(t, "me", out.State.CollectedData["keep"])
	assert.False(t, out.State.Active())
}

func TestExecutor_Branches(t *testing.T) {
	ctx := context.Background()
	steps := []*entity.Step{
		{ID: "sub", FunnelID: "f", Type: entity.StepSubscribeCheck, Subscribe: &entity.SubscribeConfig{ChannelID: "-100"},
			ConditionTrueStepID: "tag", ConditionFalseStepID: "join"},
		{ID: "join", FunnelID: "f", Type: entity.StepMessage, Content: entity.Content{Text: "Join the channel first"}},
		{ID: "tag", FunnelID: "f", Type: entity.StepTag, Tags: []string{"subscriber"}, NextStepID: "split"},
		{ID: "split", FunnelID: "f", Type: entity.StepABTest, Variants: []entity.Variant{{Name: "A", StepID: "a"}, {Name: "B", StepID: "b"}}},
		{ID: "a", FunnelID: "f", Type: entity.StepMessage, Content: entity.Content{Text: "A"}},
		{ID: "b", FunnelID: "f", Type: entity.StepMessage, Content: entity.Content{Text: "B"}},
	}
	g, err := Compile(testFunnel("f", "sub"), steps)
	require.NoError(t, err)
	user := &entity.ConversationUser{ID: "u1", ExternalID: 99}

	tests := []struct {
		name       string
		subs       SubscriptionChecker
		subscribed *bool
		tagged     bool
	}{
		{name: "subscribed", subs: stubSubs{ok: true}, subscribed: ptr(true), tagged: true},
		{name: "not subscribed", subs: stubSubs{ok: false}, subscribed: ptr(false)},
		{name: "checker error", subs: stubSubs{err: errors.New("api down")}},
		{name: "no checker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := newTestExecutor(tt.subs)
			out := x.Start(ctx, g, "", entity.NewUserState(user), user, nil)
			assert.Equal(t, tt.subscribed, out.Subscribed)
			if !tt.tagged {
				assert.Equal(t, []string{"Join the channel first"}, texts(out))
				return
			}
			assert.Equal(t, []string{"subscriber"}, out.Tags)
			require.Len(t, out.Messages, 1)
			want, _ := pickVariant(user.ExternalID, "split", steps[3].Variants)
			assert.Equal(t, want.Name, out.Messages[0].Content.Text)
		})
	}
}

func TestExecutor_Quiz(t *testing.T) {
	ctx := context.Background()
	x := newTestExecutor(nil)
	g, err := Compile(testFunnel("quiz", "q1"), []*entity.Step{
		{ID: "q1", FunnelID: "quiz", Type: entity.StepQuiz, InputField: "q1", Content: entity.Content{Text: "2+2?"},
			QuizOptions: []entity.QuizOption{{Text: "3", Score: 0}, {Text: "4", Value: "four", Score: 5}}, NextStepID: "result"},
		{ID: "result", FunnelID: "quiz", Type: entity.StepCondition, Condition: &entity.Condition{Expression: "quiz_score >= 5"},
			ConditionTrueStepID: "win", ConditionFalseStepID: "lose"},
		{ID: "win", FunnelID: "quiz", Type: entity.StepMessage, Content: entity.Content{Text: "Correct"}},
		{ID: "lose", FunnelID: "quiz", Type: entity.StepMessage, Content: entity.Content{Text: "Wrong"}},
	})
	require.NoError(t, err)
	user := &entity.ConversationUser{ID: "u1"}

	out := x.Start(ctx, g, "", entity.NewUserState(user), user, nil)
	require.Len(t, out.Messages, 1)
	kb := out.Messages[0].Content.Keyboard
	require.NotNil(t, kb)
	assert.Equal(t, "fn:quiz:1", kb.Rows[1][0].Data)

	tests := []struct {
		name  string
		ev    *entity.InboundEvent
		want  []string
		value any
	}{
		{"callback", &entity.InboundEvent{Kind: entity.EventCallback, Payload: "fn:quiz:1"}, []string{"Correct"}, "four"},
		{"option number", &entity.InboundEvent{Kind: entity.EventText, Payload: "1"}, []string{"Wrong"}, "3"},
		{"option text", &entity.InboundEvent{Kind: entity.EventText, Payload: "FOUR"}, []string{"Correct"}, "four"},
		{"unknown", &entity.InboundEvent{Kind: entity.EventText, Payload: "5"}, []string{"Try again", "2+2?"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := x.Handle(ctx, g, out.State, user, tt.ev)
			assert.Equal(t, tt.want, texts(next))
			assert.Equal(t, tt.value, next.State.CollectedData["q1"])
		})
	}
}

func TestExecutor_DelayAndUnhandled(t *testing.T) {
	ctx := context.Background()
	x := newTestExecutor(nil)
	g, err := Compile(testFunnel("drip", "hello"), []*entity.Step{
		{ID: "hello", FunnelID: "drip", Type: entity.StepMessage, Content: entity.Content{Text: "Hello"}, NextStepID: "wait"},
		{ID: "wait", FunnelID: "drip", Type: entity.StepDelay, DelayMs: 60000, NextStepID: "later"},
		{ID: "later", FunnelID: "drip", Type: entity.StepMessage, Content: entity.Content{Text: "A minute later"}},
	})
	require.NoError(t, err)
	user := &entity.ConversationUser{ID: "u1"}

	out := x.Start(ctx, g, "", entity.NewUserState(user), user, nil)
	require.NotNil(t, out.Delay)
	assert.Equal(t, "later", out.Delay.NextStepID)
	assert.Equal(t, out.Delay.Token, out.State.GetString(entity.CtxDelayToken))
	assert.Equal(t, "wait", out.State.CurrentStepID)

	idle := x.Handle(ctx, g, out.State, user, &entity.InboundEvent{Kind: entity.EventText, Payload: "hi"})
	assert.True(t, idle.unhandled)
	assert.Empty(t, idle.Messages)

	resumed := x.Resume(ctx, g, out.State, user, out.Delay.NextStepID)
	assert.Equal(t, []string{"A minute later"}, texts(resumed))
	assert.True(t, resumed.Ended)
	assert.Equal(t, "", resumed.State.GetString(entity.CtxDelayToken))
}

func TestExecutor_DeepLinkCollected(t *testing.T) {
	x := newTestExecutor(nil)
	g := leadGraph(t)
	user := &entity.ConversationUser{ID: "u1"}
	ev := &entity.InboundEvent{Kind: entity.EventCommand, Payload: "/start promo_X"}

	out := x.Start(context.Background(), g, "", entity.NewUserState(user), user, ev)
	assert.Equal(t, "promo", out.State.CollectedData["start_type"])
	assert.Equal(t, "X", out.State.CollectedData["start_code"])
}

func TestExecutor_MissingStepEndsFunnel(t *testing.T) {
	x := newTestExecutor(nil)
	g := leadGraph(t)
	user := &entity.ConversationUser{ID: "u1"}
	state := entity.NewUserState(user)
	state.CurrentFunnelID = "lead"
	state.CurrentStepID = "deleted"

	out := x.Handle(context.Background(), g, state, user, &entity.InboundEvent{Kind: entity.EventText, Payload: "hi"})
	assert.True(t, out.Ended)
	assert.True(t, out.rematch)
	assert.False(t, out.State.Active())
}

func ptr[T any](v T) *T {
	return &v
}
