// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status of a conversion job.
type Status string

const (
	StatusPending   = Status("pending")
	StatusDecoding  = Status("decoding")
	StatusComposing = Status("composing")
	StatusWriting   = Status("writing")
	StatusDone      = Status("done")
	StatusFailed    = Status("failed")
)

// Terminal reports whether no more transitions are possible.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

var nextStatus = map[Status]Status{
	StatusPending:   StatusDecoding,
	StatusDecoding:  StatusComposing,
	StatusComposing: StatusWriting,
	StatusWriting:   StatusDone,
}

var ErrBadTransition = errors.New("bad job status transition")

// Job is one conversion: its inputs, state, and result or failure.
type Job struct {
	ID        string    `json:"id"`
	Input     string    `json:"input"`
	Pages     int       `json:"pages"`
	Status    Status    `json:"status"`
	Ref       Ref       `json:"ref,omitempty"`
	Code      Code      `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newJob(input string, pages int) Job {
	now := time.Now()
	return Job{ID: NewULID().String(), Input: input, Pages: pages, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
}

// advance moves the job to the next status, or to Failed when err is not nil.
// Failed is reachable from any non-terminal status.
func (j *Job) advance(to Status, err error) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%s -> %s: %w", j.Status, to, ErrBadTransition)
	}
	if to == StatusFailed {
		j.Code = CodeOf(err)
		if err != nil {
			j.Error = err.Error()
		}
	} else if nextStatus[j.Status] != to {
		return fmt.Errorf("%s -> %s: %w", j.Status, to, ErrBadTransition)
	}
	j.Status = to
	j.UpdatedAt = time.Now()
	return nil
}

// JobStore records the jobs, for polling their status.
type JobStore interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, limit int) ([]Job, error)
}

var ErrJobNotFound = errors.New("job not found")

// MemJobs is an in-memory JobStore, keeping at most Max jobs (oldest are dropped first).
type MemJobs struct {
	mu   sync.RWMutex
	jobs map[string]Job
	Max  int
}

var _ JobStore = (*MemJobs)(nil)

func NewMemJobs(max int) *MemJobs { return &MemJobs{jobs: make(map[string]Job), Max: max} }

func (m *MemJobs) Save(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	if m.Max > 0 && len(m.jobs) > m.Max {
		m.trim()
	}
	return nil
}

// trim drops the oldest finished jobs, down to Max. Must hold the lock.
func (m *MemJobs) trim() {
	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status.Terminal() {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	for _, j := range jobs {
		if len(m.jobs) <= m.Max {
			break
		}
		delete(m.jobs, j.ID)
	}
}

func (m *MemJobs) Get(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[id]; ok {
		return j, nil
	}
	return Job{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
}

// List returns the newest jobs first.
func (m *MemJobs) List(ctx context.Context, limit int) ([]Job, error) {
	m.mu.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()
	// ULIDs sort by creation time
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// broadcaster fans out job updates to subscribers. Slow subscribers miss updates.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Job]struct{}
}

func (b *broadcaster) Subscribe() (<-chan Job, func()) {
	ch := make(chan Job, 16)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan Job]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broadcaster) publish(job Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- job:
		default:
		}
	}
}
