// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package deploy runs the ordered post-renewal actions configured on a
// certificate. The engine ships a command runner and a file installer;
// heavier adapters (SMTP, SSH push, container restart, proxy upload) are
// registered from outside through the same factory interface.
package deploy

import (
	"context"
	"os/exec"
	"strings"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/utils/fs"
)

// RunOnFailureContinue lets the dispatch proceed past this action failing.
const RunOnFailureContinue = "continue"

// ActionDescriptor is the persisted form of one deploy action.
type ActionDescriptor struct {
	Type         string         `json:"type"`
	Params       map[string]any `json:"params"`
	RunOnFailure string         `json:"runOnFailure,omitempty"`
}

// Target is the post-renewal file set handed to each action.
type Target struct {
	CertName    string
	Fingerprint string
	// Files maps path roles (crt, key, chain, ...) to absolute paths.
	Files map[string]string
}

// Result is the outcome of a single action.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Action executes one deploy step. Implementations should be idempotent
// where feasible.
type Action interface {
	Kind() string
	Run(ctx context.Context, target Target) Result
}

// Factory builds an Action from its descriptor params.
type Factory func(params map[string]any) (Action, error)

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// commandAction runs a local command, typically a service reload.
type commandAction struct {
	command string
	args    []string
}

func newCommandAction(params map[string]any) (Action, error) {
	cmd := stringParam(params, "command")
	if cmd == "" {
		return nil, errdefs.BadInputf("command action requires a 'command' param")
	}
	var args []string
	if raw, ok := params["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	return &commandAction{command: cmd, args: args}, nil
}

func (a *commandAction) Kind() string { return "command" }

func (a *commandAction) Run(ctx context.Context, target Target) Result {
	cmd := exec.CommandContext(ctx, a.command, a.args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Result{
			Success: false,
			Message: "command failed: " + a.command,
			Detail:  strings.TrimSpace(string(out)) + ": " + err.Error(),
		}
	}
	return Result{Success: true, Message: "command succeeded: " + a.command}
}

// copyAction installs one renewed file at a target path.
type copyAction struct {
	role string
	dest string
}

func newCopyAction(params map[string]any) (Action, error) {
	role := stringParam(params, "role")
	dest := stringParam(params, "destination")
	if role == "" || dest == "" {
		return nil, errdefs.BadInputf("copy action requires 'role' and 'destination' params")
	}
	return &copyAction{role: role, dest: dest}, nil
}

func (a *copyAction) Kind() string { return "copy" }

func (a *copyAction) Run(ctx context.Context, target Target) Result {
	src, ok := target.Files[a.role]
	if !ok || src == "" {
		return Result{Success: false, Message: "no file for role " + a.role}
	}
	if err := ctx.Err(); err != nil {
		return Result{Success: false, Message: "cancelled", Detail: err.Error()}
	}
	if err := fs.AtomicCopy(src, a.dest); err != nil {
		return Result{Success: false, Message: "copy to " + a.dest + " failed", Detail: err.Error()}
	}
	return Result{Success: true, Message: "installed " + a.role + " at " + a.dest}
}
