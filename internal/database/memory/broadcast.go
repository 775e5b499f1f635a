package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"FunnelBot/entity"
)

func (s *Store) PutBroadcast(b *entity.Broadcast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *b
	s.broadcasts[b.ID] = &c
}

func (s *Store) GetBroadcast(_ context.Context, id string) (*entity.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return nil, nil
	}
	c := *b
	return &c, nil
}

func (s *Store) SetBroadcastStatus(_ context.Context, id string, from []entity.BroadcastStatus, to entity.BroadcastStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok || !slices.Contains(from, b.Status) {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = at
	switch to {
	case entity.BroadcastSending:
		if b.StartedAt == nil {
			b.StartedAt = &at
		}
	case entity.BroadcastCompleted, entity.BroadcastCancelled:
		b.CompletedAt = &at
	}
	return true, nil
}

func (s *Store) ListDueBroadcasts(_ context.Context, now time.Time) ([]*entity.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Broadcast
	for _, b := range s.broadcasts {
		if b.Status == entity.BroadcastScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListBroadcastsByStatus(_ context.Context, status entity.BroadcastStatus) ([]*entity.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Broadcast
	for _, b := range s.broadcasts {
		if b.Status == status {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindAudience(_ context.Context, tenantID, botID string, filter entity.TargetFilter) ([]*entity.ConversationUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.ConversationUser
	for _, u := range s.users {
		if u.TenantID == tenantID && u.BotID == botID && filter.Matches(u) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveRecipients(_ context.Context, broadcastID string, recipients []*entity.BroadcastRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[broadcastID]
	if !ok || b.Snapshotted {
		return nil
	}
	list := make([]*entity.BroadcastRecipient, 0, len(recipients))
	for _, r := range recipients {
		c := *r
		list = append(list, &c)
	}
	s.recipients[broadcastID] = list
	b.Snapshotted = true
	b.TotalRecipients = len(list)
	return nil
}

func (s *Store) ClaimRecipients(_ context.Context, broadcastID string, limit int) ([]*entity.BroadcastRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.BroadcastRecipient
	now := s.now()
	for _, r := range s.recipients[broadcastID] {
		if len(out) >= limit {
			break
		}
		if r.Status != entity.RecipientPending {
			continue
		}
		r.Status = entity.RecipientSending
		r.UpdatedAt = now
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) recipient(broadcastID string, ordinal int) *entity.BroadcastRecipient {
	list := s.recipients[broadcastID]
	if ordinal < 0 || ordinal >= len(list) {
		return nil
	}
	return list[ordinal]
}

func bump(b *entity.Broadcast, status entity.RecipientStatus) {
	switch status {
	case entity.RecipientSent:
		b.SentCount++
	case entity.RecipientFailed:
		b.FailedCount++
	case entity.RecipientBlocked:
		b.BlockedCount++
	}
}

func (s *Store) FinishRecipient(_ context.Context, broadcastID string, ordinal int, status entity.RecipientStatus, errText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recipient(broadcastID, ordinal)
	if r == nil || r.Status != entity.RecipientSending {
		return false, nil
	}
	r.Status = status
	r.Error = errText
	r.UpdatedAt = s.now()
	if b, ok := s.broadcasts[broadcastID]; ok {
		bump(b, status)
	}
	return true, nil
}

func (s *Store) ReleaseRecipient(_ context.Context, broadcastID string, ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.recipient(broadcastID, ordinal); r != nil && r.Status == entity.RecipientSending {
		r.Status = entity.RecipientPending
		r.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) FailStaleRecipients(_ context.Context, broadcastID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.recipients[broadcastID] {
		if r.Status == entity.RecipientSending {
			r.Status = entity.RecipientFailed
			r.Error = "interrupted while sending"
			r.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Store) RecountBroadcast(_ context.Context, broadcastID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[broadcastID]
	if !ok {
		return nil
	}
	b.SentCount, b.FailedCount, b.BlockedCount = 0, 0, 0
	for _, r := range s.recipients[broadcastID] {
		bump(b, r.Status)
	}
	b.TotalRecipients = len(s.recipients[broadcastID])
	return nil
}

// Recipients returns the snapshot of a broadcast in ordinal order.
func (s *Store) Recipients(broadcastID string) []*entity.BroadcastRecipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.BroadcastRecipient, 0, len(s.recipients[broadcastID]))
	for _, r := range s.recipients[broadcastID] {
		c := *r
		out = append(out, &c)
	}
	return out
}

// SetRecipientStatus overwrites a recipient status, simulating an interrupted run.
func (s *Store) SetRecipientStatus(broadcastID string, ordinal int, status entity.RecipientStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.recipient(broadcastID, ordinal); r != nil {
		r.Status = status
	}
}
