// Copyright 2024 The Seafowl Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package stopper implements a cooperative task-group context, the
// generalization of the teacher's internal/util/stopper package used by
// resolver.go's retireLoop (ctx.Go, ctx.Stopping()). It is the backbone
// of the engine's graceful-shutdown sequence in spec.md §5.
package stopper

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Context wraps a context.Context with a cooperative task group. Stop
// signals "no new work" via the Stopping channel while Done/Err follow
// the usual context.Context contract for hard cancellation.
type Context struct {
	context.Context

	mu struct {
		sync.Mutex
		stopping chan struct{}
		stopped  bool
	}

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// WithContext returns a new stopper.Context derived from parent.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	ret := &Context{
		Context: gctx,
		cancel:  cancel,
		group:   group,
		done:    make(chan struct{}),
	}
	ret.mu.stopping = make(chan struct{})
	return ret
}

// Go launches fn in the task group. If fn returns a non-nil error, the
// group's context is canceled, unblocking sibling tasks.
func (c *Context) Go(fn func() error) {
	c.group.Go(fn)
}

// Stopping returns a channel that is closed once Stop has been called.
// Long-running loops should select on this to stop accepting new work
// while finishing up in-flight work.
func (c *Context) Stopping() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.stopping
}

// Stop requests a graceful shutdown: Stopping() is closed immediately,
// and Stop blocks until either every task launched via Go returns or
// grace elapses, whichever is first. If grace elapses first, the
// underlying context is canceled to force remaining tasks to abort.
func (c *Context) Stop(grace time.Duration) error {
	c.mu.Lock()
	if !c.mu.stopped {
		c.mu.stopped = true
		close(c.mu.stopping)
	}
	c.mu.Unlock()

	waited := make(chan error, 1)
	go func() {
		waited <- c.group.Wait()
		close(c.done)
	}()

	if grace <= 0 {
		return <-waited
	}

	select {
	case err := <-waited:
		return err
	case <-time.After(grace):
		c.cancel()
		return <-waited
	}
}

// Stopped returns a channel closed once every task launched via Go has
// exited following a call to Stop.
func (c *Context) Stopped() <-chan struct{} { return c.done }
