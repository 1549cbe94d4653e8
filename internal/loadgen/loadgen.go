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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
)

const (
	maxLineSize = 1024 * 1024
	waitDelay   = 5 * time.Second
)

// Args builds the load driver command line
func Args(spec v1alpha1.LoadGenSpec, modelName string) []string {
	args := []string{
		"-pattern", spec.Pattern,
		"-dataset", spec.Dataset,
		"-dst", spec.Destination,
		"-ip", spec.Host,
		"-port", strconv.Itoa(spec.Port),
		"-limit", strconv.Itoa(spec.Limit),
		"-max_drift", strconv.Itoa(spec.MaxDrift),
		"-model_name", modelName,
	}
	return append(args, spec.ExtraArgs...)
}

// Process is a running load driver
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	exitCode int
	waitErr  error
}

// Start launches the load driver. The process is killed if ctx is cancelled.
// Its stdout and stderr are forwarded line by line to the context logger at V(1).
func Start(ctx context.Context, spec v1alpha1.LoadGenSpec, modelName string) (*Process, error) {
	logger := log.FromContext(ctx).WithValues("command", spec.Command)

	stdout := &lineWriter{logger: logger, stream: "stdout"}
	stderr := &lineWriter{logger: logger, stream: "stderr"}

	cmd := exec.CommandContext(ctx, spec.Command, Args(spec, modelName)...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = os.Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// children that inherit the output pipes must not hold up reaping
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start load driver %s in %q: %w", spec.Command, spec.WorkingDir, err)
	}

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()

		p.exitCode = 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.exitCode = exitErr.ExitCode()
			} else {
				p.exitCode = -1
			}
		}
		p.waitErr = err
		close(p.done)

		logger.Info("Load driver exited", "pid", p.pid(), "exitCode", p.exitCode, "error", err)
	}()

	logger.Info("Load driver started", "pid", p.pid(), "workingDir", spec.WorkingDir)
	return p, nil
}

// lineWriter logs every complete line written to it
type lineWriter struct {
	mu      sync.Mutex
	logger  logr.Logger
	stream  string
	partial bytes.Buffer
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial.Write(b)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// no newline yet, keep the fragment
			w.partial.Reset()
			if len(line) > maxLineSize {
				w.emit(line)
			} else {
				w.partial.WriteString(line)
			}
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(b), nil
}

// Flush logs a trailing line without newline
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.partial.Len() > 0 {
		w.emit(w.partial.String())
		w.partial.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	w.logger.V(1).Info("Load driver output", "stream", w.stream, "line", line)
}

// Exited reports whether the process has terminated; it never blocks
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the process has terminated
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code after exit; -1 if the process was killed by a signal
// or could not be waited on
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Err returns the error reported by the process wait, nil on a zero exit
func (p *Process) Err() error {
	<-p.done
	return p.waitErr
}

func (p *Process) pid() int {
	return p.cmd.Process.Pid
}

// Kill terminates the process; killing an exited process is not an error
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill load driver: %w", err)
	}
	return nil
}
