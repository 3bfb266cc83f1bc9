// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
)

type stubAction struct {
	kind   string
	result Result
	calls  *int
}

func (s *stubAction) Kind() string { return s.kind }
func (s *stubAction) Run(ctx context.Context, target Target) Result {
	*s.calls++
	return s.result
}

func stubFactory(kind string, result Result, calls *int) Factory {
	return func(params map[string]any) (Action, error) {
		return &stubAction{kind: kind, result: result, calls: calls}, nil
	}
}

func TestDispatchSequentialAbortOnFailure(t *testing.T) {
	d := NewDispatcher(nil)
	var okCalls, failCalls, afterCalls int
	d.Register("ok", stubFactory("ok", Result{Success: true, Message: "fine"}, &okCalls))
	d.Register("fail", stubFactory("fail", Result{Success: false, Message: "nope"}, &failCalls))
	d.Register("after", stubFactory("after", Result{Success: true, Message: "late"}, &afterCalls))

	res, err := d.Dispatch(context.Background(), []ActionDescriptor{
		{Type: "ok"},
		{Type: "fail"},
		{Type: "after"},
	}, Target{CertName: "web"})

	require.Error(t, err)
	assert.True(t, errdefs.IsDeployError(err))
	assert.False(t, res.Success)
	assert.Len(t, res.Results, 2)
	assert.Equal(t, 1, okCalls)
	assert.Equal(t, 1, failCalls)
	assert.Equal(t, 0, afterCalls)
	assert.NotEmpty(t, res.RunID)
}

func TestDispatchRunOnFailureContinue(t *testing.T) {
	d := NewDispatcher(nil)
	var failCalls, afterCalls int
	d.Register("fail", stubFactory("fail", Result{Success: false, Message: "nope"}, &failCalls))
	d.Register("after", stubFactory("after", Result{Success: true, Message: "late"}, &afterCalls))

	res, err := d.Dispatch(context.Background(), []ActionDescriptor{
		{Type: "fail", RunOnFailure: RunOnFailureContinue},
		{Type: "after"},
	}, Target{})

	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Len(t, res.Results, 2)
	assert.Equal(t, 1, afterCalls)
}

func TestDispatchUnknownType(t *testing.T) {
	d := NewDispatcher(nil)
	res, err := d.Dispatch(context.Background(), []ActionDescriptor{{Type: "sftp"}}, Target{})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Results[0].Message, "no adapter registered")
}

func TestCopyActionInstallsFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "leaf.pem")
	dst := filepath.Join(dir, "deployed", "leaf.pem")
	require.NoError(t, os.WriteFile(src, []byte("pem bytes"), 0o644))

	d := NewDispatcher(nil)
	res, err := d.Dispatch(context.Background(), []ActionDescriptor{{
		Type:   "copy",
		Params: map[string]any{"role": "crt", "destination": dst},
	}}, Target{Files: map[string]string{"crt": src}})

	require.NoError(t, err)
	assert.True(t, res.Success)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "pem bytes", string(got))
}

func TestCommandAction(t *testing.T) {
	d := NewDispatcher(nil)
	res, err := d.Dispatch(context.Background(), []ActionDescriptor{{
		Type:   "command",
		Params: map[string]any{"command": "true"},
	}}, Target{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = d.Dispatch(context.Background(), []ActionDescriptor{{
		Type:   "command",
		Params: map[string]any{"command": "false"},
	}}, Target{})
	require.Error(t, err)
	assert.False(t, res.Success)
}
