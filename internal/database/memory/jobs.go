package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"FunnelBot/entity"
)

func copyJob(j *entity.Job) *entity.Job {
	c := *j
	c.Payload = maps.Clone(j.Payload)
	return &c
}

func (s *Store) EnqueueJob(_ context.Context, job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.DedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == job.DedupeKey && (j.Status == entity.JobPending || j.Status == entity.JobRunning) {
				return nil
			}
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entity.Job
	for _, j := range s.jobs {
		if j.Status == entity.JobPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].RunAt.Before(due[k].RunAt)
		}
		return due[i].ID < due[k].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*entity.Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = entity.JobRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (s *Store) CompleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = entity.JobDone
		j.Attempt++
		j.LockedAt = nil
		j.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) RescheduleJob(_ context.Context, id string, runAt time.Time, attempt int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = entity.JobPending
		j.RunAt = runAt
		j.Attempt = attempt
		j.LastError = lastErr
		j.LockedAt = nil
		j.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) FailJob(_ context.Context, id string, attempt int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = entity.JobFailed
		j.Attempt = attempt
		j.LastError = lastErr
		j.LockedAt = nil
		j.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) RequeueStaleJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == entity.JobRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = entity.JobPending
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// Jobs returns every job of a kind.
func (s *Store) Jobs(kind entity.JobKind) []*entity.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Job
	for _, j := range s.jobs {
		if j.Kind == kind {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	return out
}
