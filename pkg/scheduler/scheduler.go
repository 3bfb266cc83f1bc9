// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package scheduler drives autonomous renewals: a cron trigger for the
// periodic sweep and a filesystem watcher feeding change notifications into
// the registry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/lifecycle"
	"github.com/certkeeper/certkeeper/pkg/registry"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
	"github.com/certkeeper/certkeeper/pkg/utils/metrics"
)

var log = ulog.Log.WithName("scheduler")

// DefaultSchedule runs the sweep daily at 02:30.
const DefaultSchedule = "30 2 * * *"

// cronParser accepts standard 5-field expressions with an optional leading
// seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler owns the cron trigger and the renewal sweep. Sweeps are
// serialized; a trigger landing during a sweep defers one follow-up run
// instead of overlapping.
type Scheduler struct {
	registry *registry.Registry
	pipeline *lifecycle.Pipeline
	metrics  *metrics.Set

	mu       sync.Mutex
	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	enabled  bool

	sweepMu       sync.Mutex
	sweepRunning  bool
	sweepDeferred bool
}

// Status is the schedule state exposed to the API.
type Status struct {
	Enabled  bool       `json:"enabled"`
	Schedule string     `json:"schedule"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
}

// SweepResult summarizes one renewal sweep.
type SweepResult struct {
	Checked  int      `json:"checked"`
	Renewed  []string `json:"renewed"`
	Failed   []string `json:"failed"`
	Deferred bool     `json:"deferred"`
}

// NewScheduler builds a stopped scheduler with the default schedule.
func NewScheduler(reg *registry.Registry, pipeline *lifecycle.Pipeline, set *metrics.Set) *Scheduler {
	return &Scheduler{
		registry: reg,
		pipeline: pipeline,
		metrics:  set,
		cron:     cron.New(cron.WithParser(cronParser)),
		schedule: DefaultSchedule,
	}
}

// SetSchedule validates and installs a new cron expression. A running
// schedule is moved to the new expression immediately.
func (s *Scheduler) SetSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return errdefs.BadInputf("invalid cron expression %q: %v", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = expr
	if s.enabled {
		return s.rescheduleLocked()
	}
	return nil
}

// Enable starts the cron trigger. Enabling an enabled scheduler is a no-op.
func (s *Scheduler) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.rescheduleLocked(); err != nil {
		return err
	}
	s.cron.Start()
	s.enabled = true
	log.Info("renewal schedule enabled", "schedule", s.schedule)
	return nil
}

// Disable stops the cron trigger. Disabling a disabled scheduler is a no-op.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.cron.Stop()
	s.cron.Remove(s.entryID)
	s.entryID = 0
	s.enabled = false
	log.Info("renewal schedule disabled")
}

func (s *Scheduler) rescheduleLocked() error {
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	id, err := s.cron.AddFunc(s.schedule, func() {
		s.TriggerSweep(context.Background())
	})
	if err != nil {
		return errdefs.BadInputf("invalid cron expression %q: %v", s.schedule, err)
	}
	s.entryID = id
	return nil
}

// Status reports the current schedule and, when enabled, the next run time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{Enabled: s.enabled, Schedule: s.schedule}
	if s.enabled && s.entryID != 0 {
		next := s.cron.Entry(s.entryID).Next
		if !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

// TriggerSweep runs a sweep now, serialized against other sweeps. If one is
// already running, a single follow-up run is deferred and the call returns
// with Deferred set.
func (s *Scheduler) TriggerSweep(ctx context.Context) SweepResult {
	s.sweepMu.Lock()
	if s.sweepRunning {
		s.sweepDeferred = true
		s.sweepMu.Unlock()
		return SweepResult{Deferred: true}
	}
	s.sweepRunning = true
	s.sweepMu.Unlock()

	var result SweepResult
	for {
		result = s.sweep(ctx)

		s.sweepMu.Lock()
		if !s.sweepDeferred {
			s.sweepRunning = false
			s.sweepMu.Unlock()
			return result
		}
		s.sweepDeferred = false
		s.sweepMu.Unlock()
	}
}

// sweep walks the registry and renews every certificate inside its renewal
// window. Failures are logged and do not stop the sweep.
func (s *Scheduler) sweep(ctx context.Context) SweepResult {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var result SweepResult
	if err := s.registry.LoadAll(ctx, false); err != nil {
		log.Error(err, "sweep aborted: unable to load the registry")
		return result
	}

	now := time.Now()
	for _, cert := range s.registry.GetAll() {
		result.Checked++
		if !cert.DueForRenewal(now) {
			continue
		}
		if _, err := s.pipeline.CreateOrRenew(ctx, cert.Fingerprint, lifecycle.Options{}); err != nil {
			log.Error(err, "scheduled renewal failed", "certificate", cert.Name, "fingerprint", cert.Fingerprint)
			result.Failed = append(result.Failed, cert.Fingerprint)
			continue
		}
		log.Info("certificate renewed by sweep", "certificate", cert.Name)
		result.Renewed = append(result.Renewed, cert.Fingerprint)
	}
	return result
}
