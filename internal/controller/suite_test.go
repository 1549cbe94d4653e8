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

package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/wesleyemery/liquid-bench/pkg/engine"
)

func TestController(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Controller Suite")
}

var _ = BeforeSuite(func() {
	logf.SetLogger(zap.New(zap.WriteTo(GinkgoWriter), zap.UseDevMode(true)))
})

// fakeProcess reports exit after exitAfter liveness polls; a negative exitAfter never exits
type fakeProcess struct {
	mu        sync.Mutex
	exitAfter int
	exitCode  int
	polls     int
	killed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeProcess(exitAfter, exitCode int) *fakeProcess {
	return &fakeProcess{
		exitAfter: exitAfter,
		exitCode:  exitCode,
		done:      make(chan struct{}),
	}
}

func (p *fakeProcess) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.polls++
	if p.exitAfter >= 0 && p.polls > p.exitAfter {
		p.closeOnce.Do(func() { close(p.done) })
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) Done() <-chan struct{} {
	return p.done
}

func (p *fakeProcess) ExitCode() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return -1
	}
	return p.exitCode
}

func (p *fakeProcess) Err() error {
	if code := p.ExitCode(); code != 0 {
		return fmt.Errorf("exit status %d", code)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// tickingEngine advances the fake clock by tick on every step
type tickingEngine struct {
	engine.Engine
	clock *clocktesting.FakeClock
	tick  time.Duration
}

func (e *tickingEngine) Step(ctx context.Context) error {
	e.clock.Step(e.tick)
	return e.Engine.Step(ctx)
}
