// Package memory keeps every repository in process memory. It backs tests and
// runs the service without MongoDB. Values are copied in and out so callers
// never share state with the store.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"FunnelBot/bot/funnel"
	"FunnelBot/entity"

	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	funnels       map[string]*entity.Funnel
	steps         map[string][]*entity.Step
	triggers      map[string]*entity.Trigger
	users         map[string]*entity.ConversationUser
	states        map[string]*entity.UserState
	conversations map[string]*entity.Conversation
	messages      []*entity.Message
	leads         map[string]*entity.Lead
	executions    map[string]*entity.ActionExecution
	jobs          map[string]*entity.Job
	broadcasts    map[string]*entity.Broadcast
	recipients    map[string][]*entity.BroadcastRecipient
	apiKeys       map[string]string

	now func() time.Time
}

func New() *Store {
	return &Store{
		funnels:       make(map[string]*entity.Funnel),
		steps:         make(map[string][]*entity.Step),
		triggers:      make(map[string]*entity.Trigger),
		users:         make(map[string]*entity.ConversationUser),
		states:        make(map[string]*entity.UserState),
		conversations: make(map[string]*entity.Conversation),
		leads:         make(map[string]*entity.Lead),
		executions:    make(map[string]*entity.ActionExecution),
		jobs:          make(map[string]*entity.Job),
		broadcasts:    make(map[string]*entity.Broadcast),
		recipients:    make(map[string][]*entity.BroadcastRecipient),
		apiKeys:       make(map[string]string),
		now:           time.Now,
	}
}

func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// funnel definitions

func (s *Store) PutFunnel(f *entity.Funnel, steps ...*entity.Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *f
	s.funnels[f.ID] = &c
	list := make([]*entity.Step, 0, len(steps))
	for _, st := range steps {
		cs := *st
		if cs.FunnelID == "" {
			cs.FunnelID = f.ID
		}
		list = append(list, &cs)
	}
	s.steps[f.ID] = list
}

func (s *Store) PutTrigger(t *entity.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	if c.Seq == 0 {
		c.Seq = int64(len(s.triggers) + 1)
	}
	s.triggers[t.ID] = &c
}

func (s *Store) ListFunnels(_ context.Context, tenantID, botID string) ([]*entity.Funnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Funnel
	for _, f := range s.funnels {
		if f.TenantID == tenantID && f.BotID == botID {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetFunnel(_ context.Context, id string) (*entity.Funnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.funnels[id]
	if !ok {
		return nil, nil
	}
	c := *f
	return &c, nil
}

func (s *Store) ListSteps(_ context.Context, funnelID string) ([]*entity.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Step, 0, len(s.steps[funnelID]))
	for _, st := range s.steps[funnelID] {
		c := *st
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) ListTriggers(_ context.Context, tenantID, botID string) ([]*entity.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Trigger
	for _, t := range s.triggers {
		if t.TenantID == tenantID && t.BotID == botID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) SetFunnelActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.funnels[id]
	if !ok {
		return funnel.ErrFunnelNotFound
	}
	f.IsActive = active
	f.UpdatedAt = s.now()
	return nil
}

// user state

func (s *Store) LoadUserState(_ context.Context, conversationUserID string) (*entity.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conversationUserID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *Store) SaveUserState(_ context.Context, state *entity.UserState, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if st, ok := s.states[state.ConversationUserID]; ok {
		current = st.Version
	}
	if current != expected {
		return funnel.ErrStateConflict
	}
	state.Version = expected + 1
	s.states[state.ConversationUserID] = state.Clone()
	return nil
}

func (s *Store) SetLastBotMessage(_ context.Context, conversationUserID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[conversationUserID]; ok {
		st.LastBotMessageID = messageID
	}
	return nil
}

// users

func copyUser(u *entity.ConversationUser) *entity.ConversationUser {
	c := *u
	c.Tags = slices.Clone(u.Tags)
	c.Attributes = maps.Clone(u.Attributes)
	return &c
}

func (s *Store) UpsertConversationUser(_ context.Context, user *entity.ConversationUser) (*entity.ConversationUser, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	existing, ok := s.users[user.ID]
	if !ok {
		c := copyUser(user)
		c.FirstSeenAt = now
		c.LastSeenAt = now
		s.users[c.ID] = c
		return copyUser(c), true, nil
	}
	existing.ChatID = user.ChatID
	existing.Username = user.Username
	existing.FirstName = user.FirstName
	existing.LastName = user.LastName
	if user.Locale != "" {
		existing.Locale = user.Locale
	}
	existing.IsBlocked = false
	existing.LastSeenAt = now
	return copyUser(existing), false, nil
}

func (s *Store) PutUser(user *entity.ConversationUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = copyUser(user)
}

func (s *Store) GetConversationUser(_ context.Context, id string) (*entity.ConversationUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return copyUser(u), nil
}

func (s *Store) AddUserTags(_ context.Context, id string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.AddTags(tags...)
	}
	return nil
}

func (s *Store) SetUserSubscribed(_ context.Context, id string, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.IsSubscribed = subscribed
	}
	return nil
}

func (s *Store) SetUserBlocked(_ context.Context, id string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.IsBlocked = blocked
	}
	return nil
}

func (s *Store) MergeUserAttributes(_ context.Context, id string, attrs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	if u.Attributes == nil {
		u.Attributes = make(map[string]any)
	}
	maps.Copy(u.Attributes, attrs)
	return nil
}

func (s *Store) SetUserLead(_ context.Context, id, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.LeadID = leadID
	}
	return nil
}

// conversations

func (s *Store) OpenConversation(_ context.Context, user *entity.ConversationUser) (*entity.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ConversationUserID == user.ID && c.Status != entity.ConversationClosed {
			cc := *c
			return &cc, nil
		}
	}
	now := s.now()
	c := &entity.Conversation{
		ID:                 uuid.NewString(),
		TenantID:           user.TenantID,
		BotID:              user.BotID,
		ConversationUserID: user.ID,
		Status:             entity.ConversationActive,
		StartedAt:          now,
		UpdatedAt:          now,
	}
	s.conversations[c.ID] = c
	cc := *c
	return &cc, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*entity.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	cc := *c
	return &cc, nil
}

func (s *Store) UpdateConversationStatus(_ context.Context, id string, status entity.ConversationStatus, operatorID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	now := s.now()
	c.Status = status
	c.OperatorID = operatorID
	c.HandoffReason = reason
	c.UpdatedAt = now
	if status == entity.ConversationClosed {
		c.ClosedAt = &now
	}
	return nil
}

func (s *Store) AppendMessage(_ context.Context, msg *entity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *msg
	s.messages = append(s.messages, &c)
	return nil
}

// Messages returns the log of one conversation user, oldest first.
func (s *Store) Messages(conversationUserID string) []*entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Message
	for _, m := range s.messages {
		if m.ConversationUserID == conversationUserID {
			c := *m
			out = append(out, &c)
		}
	}
	return out
}

// ListMessages returns the newest limit messages of a conversation, oldest first.
func (s *Store) ListMessages(_ context.Context, conversationID string, limit int64) ([]*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			c := *m
			out = append(out, &c)
		}
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[int64(len(out))-limit:]
	}
	return out, nil
}

// leads and executions

func (s *Store) UpsertLead(_ context.Context, lead *entity.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *lead
	c.Fields = maps.Clone(lead.Fields)
	if prev, ok := s.leads[lead.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	s.leads[lead.ID] = &c
	return nil
}

func (s *Store) Leads() []*entity.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		c := *l
		out = append(out, &c)
	}
	return out
}

func (s *Store) SaveExecution(_ context.Context, exec *entity.ActionExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *exec
	if prev, ok := s.executions[exec.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	s.executions[exec.ID] = &c
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*entity.ActionExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

// api keys

func (s *Store) PutApiKey(key, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key] = username
}

func (s *Store) CheckApiKey(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKeys[key], nil
}
