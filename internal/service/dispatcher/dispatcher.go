package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"FunnelBot/bot/funnel"
	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"
	"FunnelBot/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var executionNamespace = uuid.MustParse("3d5e7a21-9c84-4b0f-a6d2-58e1f7c39b40")

// LeadUpserter is the CRM boundary. Upserting the same lead id twice must not
// create a second record.
type LeadUpserter interface {
	UpsertLead(ctx context.Context, lead *entity.Lead) error
}

type UserUpdater interface {
	GetConversationUser(ctx context.Context, id string) (*entity.ConversationUser, error)
	MergeUserAttributes(ctx context.Context, id string, attrs map[string]any) error
	AddUserTags(ctx context.Context, id string, tags []string) error
	SetUserLead(ctx context.Context, id, leadID string) error
}

type Conversations interface {
	GetConversation(ctx context.Context, id string) (*entity.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, status entity.ConversationStatus, operatorID, reason string) error
}

type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *entity.ActionExecution) error
	GetExecution(ctx context.Context, id string) (*entity.ActionExecution, error)
}

type HandoffNotifier interface {
	OnHandoff(conv *entity.Conversation, user *entity.ConversationUser)
}

type Options struct {
	Webhook     WebhookOptions
	NotifyURL   string
	MaxAttempts int
	RetryDelay  time.Duration
}

// Dispatcher executes step actions after the state transition is committed.
type Dispatcher struct {
	leads    LeadUpserter
	users    UserUpdater
	convs    Conversations
	execs    ExecutionStore
	jobs     funnel.JobScheduler
	notifier HandoffNotifier
	webhooks *WebhookSender
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func New(leads LeadUpserter, users UserUpdater, convs Conversations, execs ExecutionStore, opts Options, log *slog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	log = log.With(sl.Module("dispatcher"))
	return &Dispatcher{
		leads:    leads,
		users:    users,
		convs:    convs,
		execs:    execs,
		webhooks: NewWebhookSender(opts.Webhook, log),
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

func (d *Dispatcher) SetJobScheduler(j funnel.JobScheduler) {
	d.jobs = j
}

func (d *Dispatcher) SetHandoffNotifier(n HandoffNotifier) {
	d.notifier = n
}

// ExecutionID is stable for one action of one step triggered by one event, so a
// replayed event finds the earlier execution.
func ExecutionID(eventID, stepID string, action entity.ActionType) string {
	return uuid.NewSHA1(executionNamespace, []byte(eventID+":"+stepID+":"+string(action))).String()
}

// Dispatch runs one action. Async actions that fail transiently are recorded and
// retried by an action_retry job.
func (d *Dispatcher) Dispatch(ctx context.Context, req *funnel.ActionRequest) error {
	now := d.now()
	exec := &entity.ActionExecution{
		ID:                 ExecutionID(req.EventID, req.StepID, req.Action.Type),
		TenantID:           req.TenantID,
		BotID:              req.BotID,
		ConversationUserID: req.User.ID,
		FunnelID:           req.FunnelID,
		StepID:             req.StepID,
		EventID:            req.EventID,
		Action:             req.Action,
		Data:               req.Data,
		Status:             entity.ExecutionPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if req.EventID != "" {
		prev, err := d.execs.GetExecution(ctx, exec.ID)
		if err != nil {
			return fmt.Errorf("get execution: %w", err)
		}
		if prev != nil && prev.Status != entity.ExecutionFailed {
			d.log.Debug("action already executed",
				slog.String("execution_id", prev.ID),
				slog.String("status", string(prev.Status)),
			)
			return nil
		}
	}

	err := d.run(ctx, exec, req.User, req.ConversationID)
	exec.Attempts = 1
	exec.UpdatedAt = d.now()

	var transient *funnel.TransientActionFailure
	switch {
	case err == nil:
		exec.Status = entity.ExecutionSucceeded
	case errors.As(err, &transient) && d.jobs != nil && d.opts.MaxAttempts > 1:
		exec.Status = entity.ExecutionRetrying
		exec.LastError = err.Error()
		if sErr := d.scheduleRetry(ctx, exec); sErr != nil {
			d.log.Error("schedule action retry", sl.Err(sErr))
			exec.Status = entity.ExecutionFailed
		}
	default:
		exec.Status = entity.ExecutionFailed
		exec.LastError = err.Error()
	}
	metrics.Actions.WithLabelValues(string(exec.Action.Type), string(exec.Status)).Inc()

	if sErr := d.execs.SaveExecution(ctx, exec); sErr != nil {
		d.log.Error("save execution", slog.String("execution_id", exec.ID), sl.Err(sErr))
	}
	if exec.Status == entity.ExecutionRetrying {
		d.log.Warn("action failed, retry scheduled",
			slog.String("action", string(exec.Action.Type)),
			slog.String("execution_id", exec.ID),
			sl.Err(err),
		)
		return nil
	}
	return err
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, exec *entity.ActionExecution) error {
	return d.jobs.Schedule(ctx, &entity.Job{
		Kind:        entity.JobActionRetry,
		TenantID:    exec.TenantID,
		BotID:       exec.BotID,
		DedupeKey:   "action:" + exec.ID,
		Payload:     map[string]any{"execution_id": exec.ID},
		RunAt:       d.now().Add(d.opts.RetryDelay),
		MaxAttempts: d.opts.MaxAttempts - 1,
	})
}

// RetryAction is the action_retry job handler.
func (d *Dispatcher) RetryAction(ctx context.Context, job *entity.Job) error {
	id := job.PayloadString("execution_id")
	exec, err := d.execs.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec == nil {
		return backoff.Permanent(fmt.Errorf("execution %s not found", id))
	}
	if exec.Status == entity.ExecutionSucceeded || exec.Status == entity.ExecutionFailed {
		return nil
	}
	user, err := d.users.GetConversationUser(ctx, exec.ConversationUserID)
	if err != nil {
		return err
	}
	if user == nil {
		return backoff.Permanent(fmt.Errorf("user %s not found", exec.ConversationUserID))
	}

	runErr := d.run(ctx, exec, user, "")
	exec.Attempts++
	exec.UpdatedAt = d.now()
	var transient *funnel.TransientActionFailure
	switch {
	case runErr == nil:
		exec.Status = entity.ExecutionSucceeded
		exec.LastError = ""
	case errors.As(runErr, &transient) && job.Attempt+1 < job.MaxAttempts:
		exec.LastError = runErr.Error()
	default:
		exec.Status = entity.ExecutionFailed
		exec.LastError = runErr.Error()
		runErr = backoff.Permanent(runErr)
	}
	metrics.Actions.WithLabelValues(string(exec.Action.Type), string(exec.Status)).Inc()
	if err := d.execs.SaveExecution(ctx, exec); err != nil {
		d.log.Error("save execution", slog.String("execution_id", exec.ID), sl.Err(err))
	}
	return runErr
}

func (d *Dispatcher) run(ctx context.Context, exec *entity.ActionExecution, user *entity.ConversationUser, conversationID string) error {
	switch exec.Action.Type {
	case entity.ActionCreateLead:
		return d.createLead(ctx, exec, user)
	case entity.ActionUpdateUser:
		return d.updateUser(ctx, exec, user)
	case entity.ActionTag:
		tags := stringList(exec.Action.Config, "tags")
		if t := configString(exec.Action.Config, "tag"); t != "" {
			tags = append(tags, t)
		}
		if len(tags) == 0 {
			return nil
		}
		return d.users.AddUserTags(ctx, user.ID, tags)
	case entity.ActionHandoff:
		return d.handoff(ctx, exec, user, conversationID)
	case entity.ActionWebhook:
		target := configString(exec.Action.Config, "url")
		return d.post(ctx, exec, user, target, "funnel.webhook")
	case entity.ActionSendNotification:
		target := configString(exec.Action.Config, "url")
		if target == "" {
			target = d.opts.NotifyURL
		}
		if target == "" {
			d.log.Warn("notification action without target, skipped", slog.String("step_id", exec.StepID))
			return nil
		}
		return d.post(ctx, exec, user, target, "funnel.notification")
	case entity.ActionNone, "":
		return nil
	}
	return fmt.Errorf("unknown action type %q", exec.Action.Type)
}

func (d *Dispatcher) createLead(ctx context.Context, exec *entity.ActionExecution, user *entity.ConversationUser) error {
	fields := maps.Clone(exec.Data)
	if fields == nil {
		fields = make(map[string]any)
	}
	if static, ok := exec.Action.Config["fields"].(map[string]any); ok {
		maps.Copy(fields, static)
	}
	now := d.now()
	lead := &entity.Lead{
		ID:                 entity.LeadID(exec.TenantID, user.ID, exec.FunnelID),
		TenantID:           exec.TenantID,
		BotID:              exec.BotID,
		ConversationUserID: user.ID,
		FunnelID:           exec.FunnelID,
		Fields:             fields,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := d.leads.UpsertLead(ctx, lead); err != nil {
		return &funnel.TransientActionFailure{Action: entity.ActionCreateLead, Err: err}
	}
	if user.LeadID != lead.ID {
		if err := d.users.SetUserLead(ctx, user.ID, lead.ID); err != nil {
			return err
		}
	}
	d.log.Info("lead upserted",
		slog.String("lead_id", lead.ID),
		slog.String("funnel_id", exec.FunnelID),
		slog.String("user_id", user.ID),
	)
	return nil
}

func (d *Dispatcher) updateUser(ctx context.Context, exec *entity.ActionExecution, user *entity.ConversationUser) error {
	attrs := make(map[string]any)
	if fields := stringList(exec.Action.Config, "fields"); len(fields) > 0 {
		for _, f := range fields {
			if v, ok := exec.Data[f]; ok {
				attrs[f] = v
			}
		}
	} else {
		maps.Copy(attrs, exec.Data)
	}
	if static, ok := exec.Action.Config["attributes"].(map[string]any); ok {
		maps.Copy(attrs, static)
	}
	if len(attrs) == 0 {
		return nil
	}
	return d.users.MergeUserAttributes(ctx, user.ID, attrs)
}

func (d *Dispatcher) handoff(ctx context.Context, exec *entity.ActionExecution, user *entity.ConversationUser, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("handoff without conversation")
	}
	reason := configString(exec.Action.Config, "reason")
	if reason == "" {
		reason = "funnel " + exec.FunnelID + " step " + exec.StepID
	}
	if err := d.convs.UpdateConversationStatus(ctx, conversationID, entity.ConversationHandoff, "", reason); err != nil {
		return err
	}
	conv, err := d.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	d.log.Info("conversation handed off",
		slog.String("conversation_id", conversationID),
		slog.String("reason", reason),
	)
	if d.notifier != nil && conv != nil {
		d.notifier.OnHandoff(conv, user)
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, exec *entity.ActionExecution, user *entity.ConversationUser, target, event string) error {
	if target == "" {
		return fmt.Errorf("%s action without url", exec.Action.Type)
	}
	payload := map[string]any{
		"event":        event,
		"execution_id": exec.ID,
		"tenant_id":    exec.TenantID,
		"bot_id":       exec.BotID,
		"funnel_id":    exec.FunnelID,
		"step_id":      exec.StepID,
		"user": map[string]any{
			"id":          user.ID,
			"external_id": user.ExternalID,
			"username":    user.Username,
			"name":        user.DisplayName(),
			"tags":        user.Tags,
			"lead_id":     user.LeadID,
		},
		"data": exec.Data,
	}
	if text := configString(exec.Action.Config, "text"); text != "" {
		payload["text"] = text
	}
	headers := make(map[string]string)
	if h, ok := exec.Action.Config["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	err := d.webhooks.Post(ctx, target, headers, payload)
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return se
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return &funnel.TransientActionFailure{Action: exec.Action.Type, Err: err}
}

func configString(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func stringList(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
