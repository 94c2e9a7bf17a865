// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs named periodic background jobs with network
// constraints and job-level exponential retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-boatsync/connectivity"
)

// Constraint is the network a job needs to run
type Constraint int

const (
	Any Constraint = iota
	Connected
	Unmetered
)

func (c Constraint) String() string {
	switch c {
	case Connected:
		return "connected"
	case Unmetered:
		return "unmetered"
	}
	return "any"
}

// Satisfied reports whether s meets the constraint
func (c Constraint) Satisfied(s connectivity.State) bool {
	switch c {
	case Connected:
		return s.Online
	case Unmetered:
		return s.Online && s.Unmetered
	}
	return true
}

// Job is a periodic unit of work keyed by a stable name
type Job struct {
	Name       string
	Interval   time.Duration
	Constraint Constraint
	Run        func(ctx context.Context) error
}

// Config is the retry policy applied to every job run
type Config struct {
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   uint64
}

func DefaultConfig() *Config {
	return &Config{
		RetryInitial: 10 * time.Second,
		RetryMax:     5 * time.Minute,
		MaxRetries:   3,
	}
}

// Network reports the current network state
type Network interface {
	Current() connectivity.State
}

// Scheduler runs registered jobs until its context ends
type Scheduler struct {
	network Network
	config  *Config
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	kicks   map[string]chan struct{}
	running bool
}

// ErrConstraint is returned by RunNow when the network does not allow the job
var ErrConstraint = errors.New("network constraint not met")

func New(network Network, config *Config, logger *slog.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{network: network, config: config, logger: logger, kicks: make(map[string]chan struct{})}
}

// Register adds a job. Names must be unique and jobs must be registered
// before Run.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("job %s: scheduler already running", job.Name)
	}
	if _, ok := s.kicks[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs = append(s.jobs, job)
	s.kicks[job.Name] = make(chan struct{}, 1)
	return nil
}

// Jobs returns the registered jobs
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// Trigger asks a running scheduler to run the named job now. It reports
// whether the job exists.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	ch, ok := s.kicks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// Run starts one goroutine per job and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		kick := s.kicks[job.Name]
		g.Go(func() error {
			s.loop(gctx, job, kick)
			return nil
		})
	}
	s.logger.Info("Scheduler started", "jobs", len(jobs))
	_ = g.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, job Job, kick <-chan struct{}) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
		if err := s.RunNow(ctx, job); err != nil && !errors.Is(err, ErrConstraint) && ctx.Err() == nil {
			s.logger.Error("Background job failed", "job", job.Name, "error", err)
		}
	}
}

// RunNow runs one job, retrying failures with exponential backoff. The
// constraint is checked before every attempt.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	attempt := 0
	op := func() error {
		if s.network != nil && !job.Constraint.Satisfied(s.network.Current()) {
			return backoff.Permanent(fmt.Errorf("%s: %w (%s)", job.Name, ErrConstraint, job.Constraint))
		}
		attempt++
		err := job.Run(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Background job attempt failed", "job", job.Name, "attempt", attempt, "retry_in", wait, "error", err)
	}

	start := time.Now()
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.config.MaxRetries), ctx), notify)
	if err == nil {
		s.logger.Debug("Background job finished", "job", job.Name, "attempts", attempt, "duration", time.Since(start))
	}
	return err
}

func (s *Scheduler) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInitial
	b.MaxInterval = s.config.RetryMax
	b.MaxElapsedTime = 0
	return b
}
