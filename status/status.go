// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package status tracks the outcome of sync passes and escalates the retry
// cadence while failures continue.
package status

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Status is the coarse sync status shown to the user
type Status string

const (
	Success    Status = "success"
	InProgress Status = "in_progress"
	Warning    Status = "warning"
	Error      Status = "error"
)

const (
	eventBegin    = "begin"
	eventSucceed  = "succeed"
	eventWarn     = "warn"
	eventEscalate = "escalate"
)

// Config holds the two retry tiers
type Config struct {
	FastRetry       time.Duration // retry cadence right after a failure
	FastRetryWindow time.Duration // continuous failure after which the slow tier applies
	SlowRetry       time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		FastRetry:       30 * time.Second,
		FastRetryWindow: 5 * time.Minute,
		SlowRetry:       2 * time.Minute,
	}
}

// Snapshot is a point-in-time copy of the machine state
type Snapshot struct {
	Status              Status
	FirstFailure        time.Time
	ConsecutiveFailures int
	LastError           string
	// NextRetry is zero when no retry is scheduled
	NextRetry time.Time
}

// Timer is the part of *time.Timer the machine uses
type Timer interface {
	Stop() bool
}

// Clock lets tests drive time
type Clock struct {
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

func systemClock() Clock {
	return Clock{
		Now:       time.Now,
		AfterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
	}
}

// Machine is the process-wide retry/status supervisor. Retry is called from
// a timer goroutine when a scheduled retry is due.
type Machine struct {
	config *Config
	clock  Clock
	retry  func()
	logger *slog.Logger

	mu           sync.Mutex
	fsm          *fsm.FSM
	firstFailure time.Time
	failures     int
	lastError    string
	timer        Timer
	nextRetry    time.Time
	listeners    map[int]func(Snapshot)
	nextListener int
}

// New creates a machine in the Success state
func New(config *Config, retry func(), logger *slog.Logger) *Machine {
	return NewWithClock(config, retry, logger, systemClock())
}

func NewWithClock(config *Config, retry func(), logger *slog.Logger, clock Clock) *Machine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if retry == nil {
		retry = func() {}
	}
	m := &Machine{
		config:    config,
		clock:     clock,
		retry:     retry,
		logger:    logger,
		listeners: make(map[int]func(Snapshot)),
	}
	all := []string{string(Success), string(InProgress), string(Warning), string(Error)}
	m.fsm = fsm.NewFSM(
		string(Success),
		fsm.Events{
			{Name: eventBegin, Src: []string{string(Success), string(Warning), string(Error)}, Dst: string(InProgress)},
			{Name: eventSucceed, Src: all, Dst: string(Success)},
			{Name: eventWarn, Src: []string{string(Success), string(InProgress), string(Warning)}, Dst: string(Warning)},
			{Name: eventEscalate, Src: all, Dst: string(Error)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("Sync status changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return m
}

// send fires an event; staying in the same state is not an error
func (m *Machine) send(event string) {
	err := m.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		m.logger.Error("Invalid sync status transition", "event", event, "state", m.fsm.Current(), "error", err)
	}
}

// Begin marks a sync pass as running
func (m *Machine) Begin() {
	m.mu.Lock()
	m.send(eventBegin)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// Succeed resets the failure counters and cancels any scheduled retry
func (m *Machine) Succeed() {
	m.mu.Lock()
	m.firstFailure = time.Time{}
	m.failures = 0
	m.lastError = ""
	m.cancelRetryLocked()
	m.send(eventSucceed)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// Fail records a failed pass, moves to Warning or Error depending on how
// long failures have lasted, and schedules the next retry. It returns the
// retry delay.
func (m *Machine) Fail(cause error) time.Duration {
	m.mu.Lock()
	now := m.clock.Now()
	if m.failures == 0 {
		m.firstFailure = now
	}
	m.failures++
	if cause != nil {
		m.lastError = cause.Error()
	}

	delay := m.config.FastRetry
	if now.Sub(m.firstFailure) < m.config.FastRetryWindow {
		m.send(eventWarn)
	} else {
		m.send(eventEscalate)
		delay = m.config.SlowRetry
	}

	m.cancelRetryLocked()
	m.nextRetry = now.Add(delay)
	m.timer = m.clock.AfterFunc(delay, m.fire)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Warn("Sync failed, retry scheduled",
		"status", snap.Status, "consecutive_failures", snap.ConsecutiveFailures, "retry_in", delay, "error", cause)
	m.notify(snap)
	return delay
}

func (m *Machine) fire() {
	m.mu.Lock()
	m.timer = nil
	m.nextRetry = time.Time{}
	m.mu.Unlock()
	m.retry()
}

func (m *Machine) cancelRetryLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.nextRetry = time.Time{}
}

// Stop cancels a scheduled retry without changing the status
func (m *Machine) Stop() {
	m.mu.Lock()
	m.cancelRetryLocked()
	m.mu.Unlock()
}

func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Status:              Status(m.fsm.Current()),
		FirstFailure:        m.firstFailure,
		ConsecutiveFailures: m.failures,
		LastError:           m.lastError,
		NextRetry:           m.nextRetry,
	}
}

// Subscribe registers fn for every status change. The returned function
// removes the subscription.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Machine) notify(s Snapshot) {
	m.mu.Lock()
	fns := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
