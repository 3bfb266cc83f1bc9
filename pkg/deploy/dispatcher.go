// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
	"github.com/certkeeper/certkeeper/pkg/utils/metrics"
)

var log = ulog.Log.WithName("deploy")

// DefaultActionTimeout bounds a single action run.
const DefaultActionTimeout = 120 * time.Second

// DispatchResult aggregates the outcome of a dispatch run.
type DispatchResult struct {
	RunID   string   `json:"runId"`
	Success bool     `json:"success"`
	Results []Result `json:"results"`
}

// Dispatcher executes action lists sequentially. External adapters register
// their factories before the daemon starts serving.
type Dispatcher struct {
	mu        sync.RWMutex
	factories map[string]Factory
	timeout   time.Duration
	metrics   *metrics.Set
}

// NewDispatcher builds a dispatcher with the in-tree command and copy
// actions registered. metrics may be nil.
func NewDispatcher(set *metrics.Set) *Dispatcher {
	d := &Dispatcher{
		factories: map[string]Factory{},
		timeout:   DefaultActionTimeout,
		metrics:   set,
	}
	d.Register("command", newCommandAction)
	d.Register("copy", newCopyAction)
	return d
}

// Register installs a factory for the given action type, replacing any
// previous one.
func (d *Dispatcher) Register(kind string, factory Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[kind] = factory
}

func (d *Dispatcher) factoryFor(kind string) (Factory, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.factories[kind]
	return f, ok
}

// Dispatch runs the descriptors in order against target. A failed action
// aborts the remainder unless its runOnFailure policy is "continue". The
// returned error aggregates per-action failures and carries the DeployError
// kind; the DispatchResult is returned alongside so callers can report
// partial outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, descriptors []ActionDescriptor, target Target) (DispatchResult, error) {
	result := DispatchResult{RunID: uuid.NewString(), Success: true}
	var errs *multierror.Error

	for i, desc := range descriptors {
		res := d.runOne(ctx, desc, target)
		result.Results = append(result.Results, res)
		d.count(res.Success)

		if res.Success {
			continue
		}
		result.Success = false
		errs = multierror.Append(errs, errors.Errorf("action %d (%s): %s", i, desc.Type, res.Message))
		log.Info("deploy action failed", "run", result.RunID, "type", desc.Type, "message", res.Message, "certificate", target.CertName)
		if desc.RunOnFailure != RunOnFailureContinue {
			break
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return result, errdefs.DeployError(err)
	}
	return result, nil
}

func (d *Dispatcher) runOne(ctx context.Context, desc ActionDescriptor, target Target) Result {
	factory, ok := d.factoryFor(desc.Type)
	if !ok {
		return Result{Success: false, Message: "no adapter registered for action type " + desc.Type}
	}
	action, err := factory(desc.Params)
	if err != nil {
		return Result{Success: false, Message: "invalid action descriptor", Detail: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return action.Run(runCtx, target)
}

func (d *Dispatcher) count(success bool) {
	if d.metrics == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	d.metrics.DeployActionsTotal.WithLabelValues(outcome).Inc()
}
