package funnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"
	"FunnelBot/internal/metrics"

	"github.com/google/uuid"
)

var ErrConversationNotFound = errors.New("conversation not found")

type EngineOptions struct {
	StateTTL     time.Duration
	CASAttempts  int
	FallbackText string
}

// Engine is the inbound event pipeline: dedup, user upsert, state
// compare-and-swap, then side effects after the commit.
type Engine struct {
	defs      *Store
	exec      *Executor
	states    StateStore
	users     UserStore
	convs     ConversationStore
	messenger Messenger
	actions   ActionDispatcher
	jobs      JobScheduler
	dedup     Deduplicator
	listener  MessageListener
	opts      EngineOptions
	log       *slog.Logger
	now       func() time.Time
}

func NewEngine(defs *Store, exec *Executor, states StateStore, users UserStore, convs ConversationStore, messenger Messenger, opts EngineOptions, log *slog.Logger) *Engine {
	if opts.CASAttempts <= 0 {
		opts.CASAttempts = 5
	}
	return &Engine{
		defs:      defs,
		exec:      exec,
		states:    states,
		users:     users,
		convs:     convs,
		messenger: messenger,
		opts:      opts,
		log:       log.With(sl.Module("funnel.engine")),
		now:       time.Now,
	}
}

func (e *Engine) SetActionDispatcher(d ActionDispatcher) {
	e.actions = d
}

func (e *Engine) SetJobScheduler(j JobScheduler) {
	e.jobs = j
}

func (e *Engine) SetDeduplicator(d Deduplicator) {
	e.dedup = d
}

func (e *Engine) SetMessageListener(l MessageListener) {
	e.listener = l
}

// target is where the side effects of one advance go.
type target struct {
	tenantID string
	botID    string
	chatID   string
	eventID  string
	user     *entity.ConversationUser
	conv     *entity.Conversation
}

// HandleEvent processes one inbound event. Redeliveries of the same platform
// message inside the dedup window are dropped. An error means nothing was
// committed and the event may be redelivered.
func (e *Engine) HandleEvent(ctx context.Context, ev *entity.InboundEvent) error {
	start := e.now()
	kind := string(ev.Kind)
	defer func() {
		metrics.EventLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	log := e.log.With(
		slog.String("tenant_id", ev.TenantID),
		slog.String("bot_id", ev.BotID),
		slog.Int64("external_user_id", ev.ExternalUserID),
		slog.String("kind", kind),
		slog.String("message_id", ev.RawPlatformMessageID),
	)

	if e.dedup != nil {
		fresh, err := e.dedup.Claim(ctx, ev.DedupKey())
		if err != nil {
			log.Warn("dedup unavailable, processing anyway", sl.Err(err))
		} else if !fresh {
			metrics.Events.WithLabelValues(kind, "duplicate").Inc()
			log.Debug("duplicate event dropped")
			return nil
		}
	}

	result, err := e.handle(ctx, ev, log)
	if err != nil {
		metrics.Events.WithLabelValues(kind, "error").Inc()
		if e.dedup != nil {
			if rErr := e.dedup.Release(ctx, ev.DedupKey()); rErr != nil {
				log.Warn("dedup release", sl.Err(rErr))
			}
		}
		return err
	}
	metrics.Events.WithLabelValues(kind, result).Inc()
	return nil
}

func (e *Engine) handle(ctx context.Context, ev *entity.InboundEvent, log *slog.Logger) (string, error) {
	user, isNew, err := e.users.UpsertConversationUser(ctx, e.userFromEvent(ev))
	if err != nil {
		return "", fmt.Errorf("upsert user: %w", err)
	}
	conv, err := e.convs.OpenConversation(ctx, user)
	if err != nil {
		return "", fmt.Errorf("open conversation: %w", err)
	}
	t := &target{
		tenantID: ev.TenantID,
		botID:    ev.BotID,
		chatID:   ev.ChatID,
		eventID:  ev.RawPlatformMessageID,
		user:     user,
		conv:     conv,
	}

	if conv.InHandoff() {
		e.logInbound(ctx, t, ev, "", "")
		log.Debug("conversation is with an operator")
		return "handoff", nil
	}

	defs, err := e.defs.Bot(ctx, ev.TenantID, ev.BotID)
	if err != nil {
		return "", err
	}

	var out *Outcome
	for attempt := 0; attempt < e.opts.CASAttempts; attempt++ {
		state, err := e.states.LoadUserState(ctx, user.ID)
		if err != nil {
			return "", fmt.Errorf("load state: %w", err)
		}
		if state == nil {
			state = entity.NewUserState(user)
		}
		if state.LastEventID != "" && state.LastEventID == ev.RawPlatformMessageID {
			log.Debug("event already applied to state")
			return "duplicate", nil
		}
		expected := state.Version
		if state.Active() && state.Expired(e.now()) {
			log.Debug("state expired, starting over", slog.String("funnel_id", state.CurrentFunnelID))
			state = state.Clone()
			state.Reset()
		}

		out = e.compute(ctx, defs, state, user, ev, isNew)
		e.stamp(out.State, ev.RawPlatformMessageID)

		err = e.states.SaveUserState(ctx, out.State, expected)
		if errors.Is(err, ErrStateConflict) {
			metrics.StateConflicts.Inc()
			log.Debug("state conflict, retrying", slog.Int("attempt", attempt+1))
			out = nil
			continue
		}
		if err != nil {
			return "", fmt.Errorf("save state: %w", err)
		}
		break
	}

	if out == nil {
		log.Error("state conflict retries exhausted")
		e.logInbound(ctx, t, ev, "", "")
		e.sendFallback(ctx, t)
		return "fallback", nil
	}

	e.logInbound(ctx, t, ev, out.FunnelID, out.State.CurrentStepID)
	e.apply(ctx, t, out, log)
	if out.Fallback {
		return "fallback", nil
	}
	return "ok", nil
}

// compute decides the next state without side effects.
func (e *Engine) compute(ctx context.Context, defs *BotDefinitions, state *entity.UserState, user *entity.ConversationUser, ev *entity.InboundEvent, isNew bool) *Outcome {
	if state.Active() {
		g, ok := defs.Graph(state.CurrentFunnelID)
		if !ok {
			e.log.Info("funnel is no longer active, funnel ended",
				slog.String("funnel_id", state.CurrentFunnelID),
				slog.String("user_id", user.ID),
			)
			state = state.Clone()
			state.Reset()
		} else {
			out := e.exec.Handle(ctx, g, state, user, ev)
			switch {
			case out.unhandled:
				if m, ok := defs.Matcher.Match(ev, user, isNew); ok {
					if g2, ok := defs.Graph(m.FunnelID); ok {
						return e.exec.Start(ctx, g2, m.StepID, state, user, ev)
					}
				}
				// the step keeps its position, the user still gets an answer
				e.log.Debug("event not accepted by current step",
					slog.String("funnel_id", state.CurrentFunnelID),
					slog.String("step_id", state.CurrentStepID),
				)
				return &Outcome{State: state.Clone(), FunnelID: state.CurrentFunnelID, Fallback: true}
			case out.rematch:
				state = out.State
			default:
				return out
			}
		}
	}

	if m, ok := defs.Matcher.Match(ev, user, isNew); ok {
		if g, ok := defs.Graph(m.FunnelID); ok {
			return e.exec.Start(ctx, g, m.StepID, state, user, ev)
		}
	}
	if g, ok := defs.Default(); ok {
		return e.exec.Start(ctx, g, "", state, user, ev)
	}
	return &Outcome{State: state.Clone(), Fallback: true}
}

func (e *Engine) stamp(state *entity.UserState, eventID string) {
	now := e.now()
	if eventID != "" {
		state.LastEventID = eventID
	}
	state.UpdatedAt = now
	if e.opts.StateTTL > 0 && state.Active() {
		state.ExpiresAt = now.Add(e.opts.StateTTL)
	} else {
		state.ExpiresAt = time.Time{}
	}
}

// apply performs the side effects of a committed outcome.
func (e *Engine) apply(ctx context.Context, t *target, out *Outcome, log *slog.Logger) {
	if out.Err != nil {
		metrics.Malformed.WithLabelValues(out.FunnelID).Inc()
		log.Error("advance aborted", slog.String("funnel_id", out.FunnelID), sl.Err(out.Err))
	}
	metrics.Transitions.Add(float64(out.Transitions))

	if len(out.Tags) > 0 {
		if err := e.users.AddUserTags(ctx, t.user.ID, out.Tags); err != nil {
			log.Error("add tags", sl.Err(err))
		}
	}
	if out.Subscribed != nil && *out.Subscribed != t.user.IsSubscribed {
		if err := e.users.SetUserSubscribed(ctx, t.user.ID, *out.Subscribed); err != nil {
			log.Error("set subscribed", sl.Err(err))
		}
	}

	for _, m := range out.Messages {
		e.send(ctx, t, out.FunnelID, m.StepID, m.Content)
	}
	if out.Fallback {
		e.sendFallback(ctx, t)
	}

	for _, a := range out.Actions {
		e.dispatch(ctx, t, out.FunnelID, a, log)
	}

	if out.Delay != nil {
		e.scheduleDelay(ctx, t, out.FunnelID, out.Delay, log)
	}
}

func (e *Engine) dispatch(ctx context.Context, t *target, funnelID string, a PendingAction, log *slog.Logger) {
	if e.actions == nil {
		log.Warn("no action dispatcher, action skipped", slog.String("action", string(a.Action.Type)))
		return
	}
	req := &ActionRequest{
		TenantID:       t.tenantID,
		BotID:          t.botID,
		User:           t.user,
		ConversationID: t.conv.ID,
		FunnelID:       funnelID,
		StepID:         a.StepID,
		EventID:        t.eventID,
		Action:         a.Action,
		Data:           a.Data,
	}
	if err := e.actions.Dispatch(ctx, req); err != nil {
		log.Error("action failed",
			slog.String("action", string(a.Action.Type)),
			slog.String("step_id", a.StepID),
			sl.Err(err),
		)
	}
}

func (e *Engine) scheduleDelay(ctx context.Context, t *target, funnelID string, d *DelayRequest, log *slog.Logger) {
	if e.jobs == nil {
		log.Error("no job scheduler, delay step cannot resume", slog.String("step_id", d.StepID))
		return
	}
	now := e.now()
	job := &entity.Job{
		ID:        uuid.NewString(),
		Kind:      entity.JobDelayResume,
		TenantID:  t.tenantID,
		BotID:     t.botID,
		DedupeKey: "delay:" + d.Token,
		Payload: map[string]any{
			"conversation_user_id": t.user.ID,
			"funnel_id":            funnelID,
			"step_id":              d.StepID,
			"next_step_id":         d.NextStepID,
			"token":                d.Token,
		},
		RunAt:       now.Add(d.After),
		Status:      entity.JobPending,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.jobs.Schedule(ctx, job); err != nil {
		log.Error("schedule delay", slog.String("step_id", d.StepID), sl.Err(err))
	}
}

// ResumeDelay re-enters the funnel after a delay step, exactly like a fresh
// event would. Stale jobs (the user moved on) are ignored.
func (e *Engine) ResumeDelay(ctx context.Context, job *entity.Job) error {
	userID := job.PayloadString("conversation_user_id")
	funnelID := job.PayloadString("funnel_id")
	stepID := job.PayloadString("step_id")
	nextStepID := job.PayloadString("next_step_id")
	token := job.PayloadString("token")

	log := e.log.With(
		slog.String("job_id", job.ID),
		slog.String("user_id", userID),
		slog.String("funnel_id", funnelID),
		slog.String("step_id", stepID),
	)

	user, err := e.users.GetConversationUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		log.Warn("delay resume for unknown user")
		return nil
	}
	conv, err := e.convs.OpenConversation(ctx, user)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if conv.InHandoff() {
		log.Debug("delay resume skipped, conversation is with an operator")
		return nil
	}
	defs, err := e.defs.Bot(ctx, user.TenantID, user.BotID)
	if err != nil {
		return err
	}

	var out *Outcome
	for attempt := 0; attempt < e.opts.CASAttempts; attempt++ {
		state, err := e.states.LoadUserState(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if state == nil || state.CurrentFunnelID != funnelID || state.CurrentStepID != stepID ||
			state.GetString(entity.CtxDelayToken) != token {
			log.Debug("stale delay job ignored")
			return nil
		}
		expected := state.Version

		g, ok := defs.Graph(funnelID)
		if ok {
			out = e.exec.Resume(ctx, g, state, user, nextStepID)
		} else {
			next := state.Clone()
			next.Reset()
			out = &Outcome{State: next, FunnelID: funnelID, Ended: true}
		}
		e.stamp(out.State, "")

		err = e.states.SaveUserState(ctx, out.State, expected)
		if errors.Is(err, ErrStateConflict) {
			metrics.StateConflicts.Inc()
			out = nil
			continue
		}
		if err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		break
	}
	if out == nil {
		return ErrStateConflict
	}

	t := &target{
		tenantID: user.TenantID,
		botID:    user.BotID,
		chatID:   user.ChatID,
		eventID:  "delay:" + token,
		user:     user,
		conv:     conv,
	}
	e.apply(ctx, t, out, log)
	return nil
}

// ReleaseHandoff returns a conversation from an operator to the bot.
// The user's funnel state starts over.
func (e *Engine) ReleaseHandoff(ctx context.Context, conversationID string) error {
	conv, err := e.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	if conv.Status != entity.ConversationHandoff {
		return nil
	}
	if err := e.convs.UpdateConversationStatus(ctx, conv.ID, entity.ConversationActive, "", ""); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if err := e.resetState(ctx, conv.ConversationUserID); err != nil {
		return err
	}
	e.log.Info("handoff released", slog.String("conversation_id", conv.ID))
	return nil
}

// OperatorReply sends an operator message. A conversation still owned by the
// bot is taken over first.
func (e *Engine) OperatorReply(ctx context.Context, conversationID, operatorID, text string) (entity.SendResult, error) {
	conv, err := e.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return entity.SendResult{}, err
	}
	if conv == nil {
		return entity.SendResult{}, ErrConversationNotFound
	}
	user, err := e.users.GetConversationUser(ctx, conv.ConversationUserID)
	if err != nil {
		return entity.SendResult{}, err
	}
	if user == nil {
		return entity.SendResult{}, fmt.Errorf("user %s not found", conv.ConversationUserID)
	}
	if conv.Status != entity.ConversationHandoff {
		if err := e.convs.UpdateConversationStatus(ctx, conv.ID, entity.ConversationHandoff, operatorID, "operator reply"); err != nil {
			return entity.SendResult{}, err
		}
		if err := e.resetState(ctx, user.ID); err != nil {
			return entity.SendResult{}, err
		}
	}
	t := &target{tenantID: user.TenantID, botID: user.BotID, chatID: user.ChatID, user: user, conv: conv}
	res := e.deliver(ctx, t, "", "", entity.Content{Text: text}, entity.SenderOperator)
	return res, nil
}

func (e *Engine) resetState(ctx context.Context, userID string) error {
	for attempt := 0; attempt < e.opts.CASAttempts; attempt++ {
		state, err := e.states.LoadUserState(ctx, userID)
		if err != nil {
			return err
		}
		if state == nil {
			return nil
		}
		expected := state.Version
		next := state.Clone()
		next.Reset()
		e.stamp(next, "")
		err = e.states.SaveUserState(ctx, next, expected)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		return err
	}
	return ErrStateConflict
}

func (e *Engine) send(ctx context.Context, t *target, funnelID, stepID string, c entity.Content) entity.SendResult {
	return e.deliver(ctx, t, funnelID, stepID, c, entity.SenderBot)
}

func (e *Engine) deliver(ctx context.Context, t *target, funnelID, stepID string, c entity.Content, sender entity.SenderType) entity.SendResult {
	res := e.messenger.Send(ctx, entity.OutboundMessage{
		TenantID: t.tenantID,
		BotID:    t.botID,
		ChatID:   t.chatID,
		Content:  c,
	})

	msg := &entity.Message{
		ID:                 uuid.NewString(),
		TenantID:           t.tenantID,
		BotID:              t.botID,
		ConversationID:     t.conv.ID,
		ConversationUserID: t.user.ID,
		Direction:          entity.DirectionOut,
		SenderType:         sender,
		ContentType:        contentType(c),
		Text:               c.Text,
		FunnelID:           funnelID,
		StepID:             stepID,
		PlatformMessageID:  res.PlatformMessageID,
		Status:             entity.MessageSent,
		CreatedAt:          e.now(),
	}
	if c.MediaURL != "" {
		msg.Payload = map[string]any{"media_url": c.MediaURL}
	}

	switch res.Status {
	case entity.SendSent:
		if res.PlatformMessageID != "" && sender == entity.SenderBot {
			if err := e.states.SetLastBotMessage(ctx, t.user.ID, res.PlatformMessageID); err != nil {
				e.log.Warn("set last bot message", sl.Err(err))
			}
		}
	case entity.SendBlocked:
		msg.Status = entity.MessageFailed
		msg.Error = "blocked by user"
		if err := e.users.SetUserBlocked(ctx, t.user.ID, true); err != nil {
			e.log.Error("set user blocked", sl.Err(err))
		}
	default:
		msg.Status = entity.MessageFailed
		if res.Err != nil {
			msg.Error = res.Err.Error()
		} else {
			msg.Error = string(res.Status)
		}
		e.log.Warn("outbound message failed",
			slog.String("chat_id", t.chatID),
			slog.String("status", string(res.Status)),
			slog.String("error", msg.Error),
		)
	}
	e.appendMessage(ctx, msg, t.user)
	return res
}

func (e *Engine) sendFallback(ctx context.Context, t *target) {
	if e.opts.FallbackText == "" {
		return
	}
	e.send(ctx, t, "", "", entity.Content{Text: e.opts.FallbackText})
}

func (e *Engine) logInbound(ctx context.Context, t *target, ev *entity.InboundEvent, funnelID, stepID string) {
	msg := &entity.Message{
		ID:                 uuid.NewString(),
		TenantID:           t.tenantID,
		BotID:              t.botID,
		ConversationID:     t.conv.ID,
		ConversationUserID: t.user.ID,
		Direction:          entity.DirectionIn,
		SenderType:         entity.SenderUser,
		ContentType:        string(ev.Kind),
		Text:               ev.Payload,
		FunnelID:           funnelID,
		StepID:             stepID,
		PlatformMessageID:  ev.RawPlatformMessageID,
		Status:             entity.MessageDelivered,
		CreatedAt:          e.now(),
	}
	if ev.Location != nil {
		msg.Payload = map[string]any{"latitude": ev.Location.Latitude, "longitude": ev.Location.Longitude}
	} else if ev.MediaType != "" {
		msg.Payload = map[string]any{"media_type": ev.MediaType}
	}
	e.appendMessage(ctx, msg, t.user)
}

func (e *Engine) appendMessage(ctx context.Context, msg *entity.Message, user *entity.ConversationUser) {
	if err := e.convs.AppendMessage(ctx, msg); err != nil {
		e.log.Error("append message", slog.String("conversation_id", msg.ConversationID), sl.Err(err))
	}
	if e.listener != nil {
		e.listener.OnMessage(msg, user)
	}
}

func (e *Engine) userFromEvent(ev *entity.InboundEvent) *entity.ConversationUser {
	now := e.now()
	return &entity.ConversationUser{
		ID:          entity.ConversationUserID(ev.TenantID, ev.BotID, ev.ExternalUserID),
		TenantID:    ev.TenantID,
		BotID:       ev.BotID,
		ExternalID:  ev.ExternalUserID,
		ChatID:      ev.ChatID,
		Username:    ev.Profile.Username,
		FirstName:   ev.Profile.FirstName,
		LastName:    ev.Profile.LastName,
		Locale:      ev.Profile.Locale,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
}

func contentType(c entity.Content) string {
	if c.MediaURL != "" && c.MediaType != "" {
		return c.MediaType
	}
	return "text"
}
