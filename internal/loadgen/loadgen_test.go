/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package loadgen

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lines = append(s.lines, args)
	}, funcr.Options{Verbosity: 1})
}

func (s *lineSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func writeScript(t *testing.T, body string) v1alpha1.LoadGenSpec {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fake_loadgen"), []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	spec := v1alpha1.DefaultBenchmarkSpec().LoadGen
	spec.Command = "./fake_loadgen"
	spec.WorkingDir = dir
	return spec
}

func TestArgs(t *testing.T) {
	spec := v1alpha1.DefaultBenchmarkSpec().LoadGen
	spec.ExtraArgs = []string{"-seed", "7"}

	args := Args(spec, "facebook/opt-6.7b")

	assert.Equal(t, []string{
		"-pattern", "azure-multiplex-70-5",
		"-dataset", "azure-multiplex",
		"-dst", "liquid",
		"-ip", "localhost",
		"-port", "8000",
		"-limit", "100",
		"-max_drift", "100",
		"-model_name", "facebook/opt-6.7b",
		"-seed", "7",
	}, args)
}

func TestStart_ForwardsOutputAndExitCode(t *testing.T) {
	sink := &lineSink{}
	ctx := logr.NewContext(context.Background(), sink.logger())
	spec := writeScript(t, `echo "args: $@"; echo "warming up" 1>&2; exit 3`)

	proc, err := Start(ctx, spec, "facebook/opt-6.7b")
	require.NoError(t, err)

	<-proc.Done()
	assert.True(t, proc.Exited())
	assert.Equal(t, 3, proc.ExitCode())
	var exitErr *exec.ExitError
	require.ErrorAs(t, proc.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())

	out := sink.joined()
	assert.Contains(t, out, "-model_name facebook/opt-6.7b")
	assert.Contains(t, out, "warming up")
	assert.Contains(t, out, `"stream"="stderr"`)
}

func TestStart_ZeroExit(t *testing.T) {
	ctx := logr.NewContext(context.Background(), logr.Discard())
	spec := writeScript(t, "exit 0")

	proc, err := Start(ctx, spec, "m")
	require.NoError(t, err)

	assert.Eventually(t, proc.Exited, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, proc.ExitCode())
	assert.NoError(t, proc.Err())
	assert.NoError(t, proc.Kill())
}

func TestStart_ExitedIsNonBlocking(t *testing.T) {
	ctx := logr.NewContext(context.Background(), logr.Discard())
	spec := writeScript(t, "exec sleep 30")

	proc, err := Start(ctx, spec, "m")
	require.NoError(t, err)
	assert.Greater(t, proc.pid(), 0)
	assert.False(t, proc.Exited())

	select {
	case <-proc.Done():
		t.Fatal("process exited early")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, proc.Exited())

	require.NoError(t, proc.Kill())
	<-proc.Done()
	assert.Equal(t, -1, proc.ExitCode())
}

func TestStart_ContextCancelKills(t *testing.T) {
	ctx, cancel := context.WithCancel(logr.NewContext(context.Background(), logr.Discard()))
	spec := writeScript(t, "exec sleep 30")

	proc, err := Start(ctx, spec, "m")
	require.NoError(t, err)

	cancel()
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("load driver survived context cancellation")
	}
	assert.NotEqual(t, 0, proc.ExitCode())
}

func TestStart_MissingBinary(t *testing.T) {
	spec := v1alpha1.DefaultBenchmarkSpec().LoadGen
	spec.WorkingDir = t.TempDir()

	_, err := Start(context.Background(), spec, "m")
	assert.ErrorContains(t, err, "failed to start load driver")
}
