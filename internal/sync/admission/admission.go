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

// Package admission implements Component H, the admission controller of
// spec.md §4.H. A rejection is always a protocol-level verdict
// (accepted=false), never a transport error — the same "fail open at
// the edge, never abort the stream" posture the teacher's chaos.go
// takes toward injected faults, applied here to real backpressure.
package admission

import (
	"sync"

	"github.com/seafowldb/seafowl/internal/metrics"
)

// Config holds the admission.* settings from spec.md §6.
type Config struct {
	HardCeilingBytes      int
	PerOriginInflightBytes int
}

// PressureSource reports a CPU/IO pressure signal from the writer
// gateway (spec.md §4.H "CPU/IO pressure signal from the writer
// gateway"). A nil PressureSource is treated as never under pressure.
type PressureSource interface {
	UnderPressure() bool
}

// Controller is Component H.
type Controller struct {
	cfg      Config
	pressure PressureSource

	mu          sync.Mutex
	globalBytes int
	originBytes map[string]int
}

// New constructs a Controller.
func New(cfg Config, pressure PressureSource) *Controller {
	return &Controller{cfg: cfg, pressure: pressure, originBytes: make(map[string]int)}
}

// Decide evaluates whether a message of size bytes from origin may be
// admitted. It does not mutate any accounting; callers call Reserve
// only after they have actually appended the message to staging.
func (c *Controller) Decide(origin string, bytes int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.globalBytes+bytes > c.cfg.HardCeilingBytes {
		metrics.AdmissionRejections.WithLabelValues("global_ceiling").Inc()
		return false
	}
	if c.originBytes[origin]+bytes > c.cfg.PerOriginInflightBytes {
		metrics.AdmissionRejections.WithLabelValues("origin_inflight").Inc()
		return false
	}
	if c.pressure != nil && c.pressure.UnderPressure() {
		metrics.AdmissionRejections.WithLabelValues("writer_pressure").Inc()
		return false
	}
	return true
}

// Reserve records bytes as in-flight for origin after a message has
// actually been appended to staging. Must only be called after a true
// Decide result for the same (origin, bytes) pair.
func (c *Controller) Reserve(origin string, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalBytes += bytes
	c.originBytes[origin] += bytes
}

// Release returns bytes to the pool once they have been durably
// committed and are no longer "staged", so bytes accounted against the
// hard ceiling reflect only what is actually in memory.
func (c *Controller) Release(origin string, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalBytes -= bytes
	if c.globalBytes < 0 {
		c.globalBytes = 0
	}
	remaining := c.originBytes[origin] - bytes
	if remaining < 0 {
		remaining = 0
	}
	c.originBytes[origin] = remaining
}
