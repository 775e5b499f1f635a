package funnel

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"

	"github.com/google/uuid"
)

const defaultTransitionBudget = 50

// Emission is an outbound message produced by a step.
type Emission struct {
	StepID  string
	Content entity.Content
}

// PendingAction carries a snapshot of the collected answers taken when the step ran.
type PendingAction struct {
	StepID string
	Action entity.Action
	Data   map[string]any
}

// DelayRequest asks for NextStepID to be entered after After, guarded by Token.
type DelayRequest struct {
	StepID     string
	NextStepID string
	After      time.Duration
	Token      string
}

// Outcome is the result of advancing one user by one event. Nothing in it
// has been applied yet: the caller commits State first and only then
// performs the side effects.
type Outcome struct {
	State       *entity.UserState
	FunnelID    string
	Messages    []Emission
	Actions     []PendingAction
	Tags        []string
	Subscribed  *bool
	Delay       *DelayRequest
	Handoff     bool
	Ended       bool
	Fallback    bool
	Transitions int
	Err         error

	// rematch means the funnel vanished and the event should go to the trigger matcher.
	rematch bool
	// unhandled means the current step does not accept replies (delay, handoff).
	unhandled bool
}

type ExecutorOptions struct {
	TransitionBudget int
	MaxInputRetries  int
	RetryText        string
	HandoffText      string
}

// Executor walks a funnel graph. It is stateless and safe for concurrent use.
type Executor struct {
	opts ExecutorOptions
	subs SubscriptionChecker
	log  *slog.Logger
}

func NewExecutor(opts ExecutorOptions, subs SubscriptionChecker, log *slog.Logger) *Executor {
	if opts.TransitionBudget <= 0 {
		opts.TransitionBudget = defaultTransitionBudget
	}
	if opts.MaxInputRetries <= 0 {
		opts.MaxInputRetries = 3
	}
	return &Executor{
		opts: opts,
		subs: subs,
		log:  log.With(sl.Module("funnel.executor")),
	}
}

type run struct {
	x      *Executor
	ctx    context.Context
	g      *Graph
	user   *entity.ConversationUser
	origin *entity.UserState
	out    *Outcome
}

func (x *Executor) newRun(ctx context.Context, g *Graph, state *entity.UserState, user *entity.ConversationUser) *run {
	u := *user
	u.Tags = slices.Clone(user.Tags)
	return &run{
		x:      x,
		ctx:    ctx,
		g:      g,
		user:   &u,
		origin: state,
		out:    &Outcome{State: state.Clone(), FunnelID: g.ID()},
	}
}

// Start enters a funnel at stepID, or at its entry step when stepID is empty.
// A /start deep link in ev is stored as collected data.
func (x *Executor) Start(ctx context.Context, g *Graph, stepID string, state *entity.UserState, user *entity.ConversationUser, ev *entity.InboundEvent) *Outcome {
	r := x.newRun(ctx, g, state, user)
	r.out.State.Reset()
	r.out.State.CurrentFunnelID = g.ID()
	if ev != nil {
		if name, arg := ev.Command(); name == "start" {
			ParseDeepLink(arg).Collect(r.out.State.CollectedData)
		}
	}
	if stepID == "" {
		stepID = g.Entry()
	}
	r.enter(stepID)
	return r.out
}

// Handle feeds an inbound event to the step the user is waiting on.
func (x *Executor) Handle(ctx context.Context, g *Graph, state *entity.UserState, user *entity.ConversationUser, ev *entity.InboundEvent) *Outcome {
	r := x.newRun(ctx, g, state, user)
	if id, ok := g.Jump(ev); ok {
		r.enter(id)
		return r.out
	}

	node, ok := g.Node(state.CurrentStepID)
	if !ok {
		x.log.Info("current step is gone, funnel ended",
			slog.String("funnel_id", g.ID()),
			slog.String("step_id", state.CurrentStepID),
		)
		r.end()
		r.out.rematch = true
		return r.out
	}

	switch n := node.(type) {
	case *MessageNode:
		if n.Rule == nil {
			r.out.unhandled = true
			return r.out
		}
		r.capture(n.ID, n.Field, n.Rule, n.Content, n.Next, ev)
	case *InputNode:
		r.capture(n.ID, n.Field, n.Rule, n.Prompt, n.Next, ev)
	case *QuizNode:
		r.answer(n, ev)
	case *ConditionNode, *SubscribeCheckNode, *ABTestNode, *TagNode, *DelayNode, *ActionNode:
		r.out.unhandled = true
	}
	return r.out
}

// Resume continues after a delay step.
func (x *Executor) Resume(ctx context.Context, g *Graph, state *entity.UserState, user *entity.ConversationUser, nextStepID string) *Outcome {
	r := x.newRun(ctx, g, state, user)
	r.out.State.Unset(entity.CtxDelayToken)
	r.enter(nextStepID)
	return r.out
}

// enter follows automatic transitions from id until a step waits or the funnel ends.
func (r *run) enter(id string) {
	for {
		if id == "" {
			r.end()
			return
		}
		if r.out.Transitions >= r.x.opts.TransitionBudget {
			r.abort(id)
			return
		}
		r.out.Transitions++

		node, ok := r.g.Node(id)
		if !ok {
			r.x.log.Info("step not found, funnel ended",
				slog.String("funnel_id", r.g.ID()),
				slog.String("step_id", id),
			)
			r.end()
			return
		}

		st := r.out.State
		st.CurrentStepID = id
		st.WaitingFor = entity.InputNone
		st.Unset(entity.CtxRetries)

		switch n := node.(type) {
		case *MessageNode:
			r.emit(n.ID, n.Content)
			if n.Input.Captures() {
				st.WaitingFor = n.Input
				return
			}
			id = n.Next
		case *InputNode:
			r.emit(n.ID, n.Prompt)
			st.WaitingFor = n.Input
			return
		case *QuizNode:
			r.emit(n.ID, quizPrompt(n))
			st.WaitingFor = entity.InputText
			return
		case *ConditionNode:
			ok, err := n.Cond.Eval(conditionParams(st, r.user))
			if err != nil {
				r.x.log.Warn("condition evaluation failed, taking false branch",
					slog.String("funnel_id", r.g.ID()),
					slog.String("step_id", n.ID),
					sl.Err(err),
				)
				ok = false
			}
			id = branch(ok, n.True, n.False)
		case *SubscribeCheckNode:
			id = branch(r.subscribed(n), n.True, n.False)
		case *ABTestNode:
			v, ok := r.variant(n)
			if !ok {
				r.end()
				return
			}
			id = v.StepID
		case *TagNode:
			r.user.AddTags(n.Tags...)
			r.out.Tags = append(r.out.Tags, n.Tags...)
			id = n.Next
		case *DelayNode:
			if n.Next == "" {
				r.end()
				return
			}
			token := uuid.NewString()
			st.Set(entity.CtxDelayToken, token)
			r.out.Delay = &DelayRequest{StepID: n.ID, NextStepID: n.Next, After: n.Delay, Token: token}
			return
		case *ActionNode:
			r.emit(n.ID, n.Content)
			for _, a := range n.Actions {
				if a.Type == "" || a.Type == entity.ActionNone {
					continue
				}
				r.out.Actions = append(r.out.Actions, PendingAction{StepID: n.ID, Action: a, Data: maps.Clone(st.CollectedData)})
			}
			if hasHandoff(n.Actions) {
				st.Set(entity.CtxHandoff, true)
				r.out.Handoff = true
				return
			}
			id = n.Next
		default:
			r.x.log.Error("unsupported node", slog.String("step_id", id))
			r.end()
			return
		}
	}
}

func (r *run) capture(stepID, field string, rule *inputRule, prompt entity.Content, next string, ev *entity.InboundEvent) {
	value, err := rule.check(stepID, ev)
	if err != nil {
		r.retry(stepID, rule, prompt, err)
		return
	}
	if field == "" {
		field = stepID
	}
	r.out.State.Collect(field, value)
	r.enter(next)
}

func (r *run) answer(n *QuizNode, ev *entity.InboundEvent) {
	idx := quizAnswer(n, ev)
	if idx < 0 {
		r.retry(n.ID, n.Rule, quizPrompt(n), &ValidationFailure{StepID: n.ID, Input: entity.InputText, Reason: "unknown quiz option"})
		return
	}
	opt := n.Options[idx]
	st := r.out.State
	st.Set(entity.CtxQuizScore, st.GetInt(entity.CtxQuizScore)+opt.Score)
	field := n.Field
	if field == "" {
		field = n.ID
	}
	value := opt.Value
	if value == "" {
		value = opt.Text
	}
	st.Collect(field, value)
	r.enter(n.Next)
}

// retry re-prompts until the retry ceiling, then takes the fallback step or hands off.
func (r *run) retry(stepID string, rule *inputRule, prompt entity.Content, cause error) {
	st := r.out.State
	attempts := st.GetInt(entity.CtxRetries) + 1
	limit := rule.maxRetries
	if limit <= 0 {
		limit = r.x.opts.MaxInputRetries
	}

	r.x.log.Debug("input rejected",
		slog.String("funnel_id", r.g.ID()),
		slog.String("step_id", stepID),
		slog.Int("attempt", attempts),
		sl.Err(cause),
	)

	if attempts > limit {
		st.Unset(entity.CtxRetries)
		if fb := rule.fallbackStep(); fb != "" {
			r.enter(fb)
			return
		}
		st.WaitingFor = entity.InputNone
		st.Set(entity.CtxHandoff, true)
		r.out.Handoff = true
		r.out.Actions = append(r.out.Actions, PendingAction{
			StepID: stepID,
			Action: entity.Action{
				Type:   entity.ActionHandoff,
				Config: map[string]any{"reason": "input retries exhausted"},
			},
			Data: maps.Clone(st.CollectedData),
		})
		if r.x.opts.HandoffText != "" {
			r.emit(stepID, entity.Content{Text: r.x.opts.HandoffText})
		}
		return
	}

	st.Set(entity.CtxRetries, attempts)
	text := rule.errorText
	if text == "" {
		text = r.x.opts.RetryText
	}
	if text != "" {
		r.emit(stepID, entity.Content{Text: text})
	}
	r.emit(stepID, prompt)
}

func (r *run) subscribed(n *SubscribeCheckNode) bool {
	if r.x.subs == nil {
		r.x.log.Warn("no subscription checker, taking false branch", slog.String("step_id", n.ID))
		return false
	}
	ok, err := r.x.subs.IsSubscribed(r.ctx, n.ChannelID, r.user)
	if err != nil {
		r.x.log.Warn("subscription check failed, taking false branch",
			slog.String("step_id", n.ID),
			slog.String("channel_id", n.ChannelID),
			sl.Err(err),
		)
		return false
	}
	r.out.Subscribed = &ok
	return ok
}

// variant returns the sticky variant, bucketing the user on first entry.
func (r *run) variant(n *ABTestNode) (entity.Variant, bool) {
	key := entity.CtxABPrefix + n.ID
	st := r.out.State
	if chosen := st.GetString(key); chosen != "" {
		for _, v := range n.Variants {
			if v.StepID == chosen {
				return v, true
			}
		}
	}
	v, ok := pickVariant(r.user.ExternalID, n.ID, n.Variants)
	if ok {
		st.Set(key, v.StepID)
	}
	return v, ok
}

func (r *run) emit(stepID string, c entity.Content) {
	if c.IsEmpty() {
		return
	}
	c.Text = render(c.Text, r.out.State.CollectedData)
	r.out.Messages = append(r.out.Messages, Emission{StepID: stepID, Content: c})
}

func (r *run) end() {
	r.out.State.Reset()
	r.out.Ended = true
}

// abort drops everything computed for this event and keeps the last stable state.
func (r *run) abort(id string) {
	err := &ExhaustedTransitionBudget{FunnelID: r.g.ID(), StepID: id, Budget: r.x.opts.TransitionBudget}
	r.x.log.Error("funnel is malformed", sl.Err(err))
	r.out = &Outcome{
		State:       r.origin.Clone(),
		FunnelID:    r.g.ID(),
		Fallback:    true,
		Transitions: r.out.Transitions,
		Err:         err,
	}
}

func branch(ok bool, whenTrue, whenFalse string) string {
	if ok {
		return whenTrue
	}
	return whenFalse
}

func quizPrompt(n *QuizNode) entity.Content {
	c := n.Prompt
	if c.Keyboard != nil {
		return c
	}
	rows := make([][]entity.Button, 0, len(n.Options))
	for i, o := range n.Options {
		rows = append(rows, []entity.Button{{Text: o.Text, Data: BuildCallback(ActionQuiz, strconv.Itoa(i))}})
	}
	c.Keyboard = &entity.Keyboard{Inline: true, Rows: rows}
	return c
}

// quizAnswer accepts a quiz callback, an option number, or the option text.
func quizAnswer(n *QuizNode, ev *entity.InboundEvent) int {
	if ev.Kind == entity.EventCallback {
		if cb := ParseCallback(ev.Payload); cb != nil && cb.Action == ActionQuiz {
			if i, err := strconv.Atoi(cb.Value); err == nil && i >= 0 && i < len(n.Options) {
				return i
			}
			return -1
		}
	}
	text := strings.TrimSpace(ev.Payload)
	if i, err := strconv.Atoi(text); err == nil && i >= 1 && i <= len(n.Options) {
		return i - 1
	}
	for i, o := range n.Options {
		if strings.EqualFold(text, o.Text) || (o.Value != "" && strings.EqualFold(text, o.Value)) {
			return i
		}
	}
	return -1
}
