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

// Package config declares the engine's per-concern configuration
// structs and their pflag bindings, in the style of the teacher's
// source/server.Config (Bind/Preflight), generalized from one flat
// struct into the four concern groups spec.md §6 enumerates.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Staging holds staging.* settings.
type Staging struct {
	MaxBytesTotal          int
	MaxBytesLowWatermark   int
	MaxBytesPerTable       int
	MaxAge                 time.Duration
	ResquashThresholdBytes int
}

// Bind registers Staging's flags on flags.
func (s *Staging) Bind(flags *pflag.FlagSet) {
	flags.IntVar(&s.MaxBytesTotal, "staging.max-bytes-total", 512<<20, "global staging high-watermark in bytes")
	flags.IntVar(&s.MaxBytesLowWatermark, "staging.max-bytes-low-watermark", 256<<20, "global staging low-watermark in bytes; once the high-watermark trips, the largest keys flush until total staged bytes falls back to this")
	flags.IntVar(&s.MaxBytesPerTable, "staging.max-bytes-per-table", 64<<20, "per-table staging flush trigger in bytes")
	flags.DurationVar(&s.MaxAge, "staging.max-age", 10*time.Second, "max age of the oldest staged change before a flush is triggered")
	flags.IntVar(&s.ResquashThresholdBytes, "staging.resquash-threshold-bytes", 16<<20, "in-place squash cap in bytes")
}

// Preflight validates Staging after flag parsing.
func (s *Staging) Preflight() error {
	if s.MaxBytesPerTable <= 0 {
		return errors.New("staging.max-bytes-per-table must be positive")
	}
	if s.MaxBytesTotal < s.MaxBytesPerTable {
		return errors.New("staging.max-bytes-total must be at least staging.max-bytes-per-table")
	}
	if s.MaxBytesLowWatermark < 0 {
		return errors.New("staging.max-bytes-low-watermark must not be negative")
	}
	if s.MaxBytesLowWatermark > s.MaxBytesTotal {
		return errors.New("staging.max-bytes-low-watermark must not exceed staging.max-bytes-total")
	}
	if s.ResquashThresholdBytes <= 0 {
		return errors.New("staging.resquash-threshold-bytes must be positive")
	}
	return nil
}

// Admission holds admission.* settings.
type Admission struct {
	HardCeilingBytes       int
	PerOriginInflightBytes int
}

// Bind registers Admission's flags on flags.
func (a *Admission) Bind(flags *pflag.FlagSet) {
	flags.IntVar(&a.HardCeilingBytes, "admission.hard-ceiling-bytes", 1<<30, "global staged-bytes ceiling above which messages are rejected")
	flags.IntVar(&a.PerOriginInflightBytes, "admission.per-origin-inflight-bytes", 128<<20, "per-origin in-flight byte cap")
}

// Preflight validates Admission after flag parsing.
func (a *Admission) Preflight() error {
	if a.HardCeilingBytes <= 0 || a.PerOriginInflightBytes <= 0 {
		return errors.New("admission byte ceilings must be positive")
	}
	if a.PerOriginInflightBytes > a.HardCeilingBytes {
		return errors.New("admission.per-origin-inflight-bytes must not exceed admission.hard-ceiling-bytes")
	}
	return nil
}

// Commit holds commit.* settings.
type Commit struct {
	Deadline       time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
}

// Bind registers Commit's flags on flags.
func (c *Commit) Bind(flags *pflag.FlagSet) {
	flags.DurationVar(&c.Deadline, "commit.deadline", 30*time.Second, "per-commit time bound")
	flags.DurationVar(&c.BackoffInitial, "commit.backoff-initial", 100*time.Millisecond, "initial commit-conflict retry backoff")
	flags.DurationVar(&c.BackoffMax, "commit.backoff-max", 5*time.Second, "max commit-conflict retry backoff")
	flags.Float64Var(&c.BackoffFactor, "commit.backoff-factor", 2.0, "commit-conflict retry backoff multiplier")
}

// Preflight validates Commit after flag parsing.
func (c *Commit) Preflight() error {
	if c.Deadline <= 0 {
		return errors.New("commit.deadline must be positive")
	}
	if c.BackoffFactor <= 1 {
		return errors.New("commit.backoff-factor must be greater than 1")
	}
	if c.BackoffMax < c.BackoffInitial {
		return errors.New("commit.backoff-max must be at least commit.backoff-initial")
	}
	return nil
}

// Shutdown holds shutdown.* settings.
type Shutdown struct {
	Grace time.Duration
}

// Bind registers Shutdown's flags on flags.
func (s *Shutdown) Bind(flags *pflag.FlagSet) {
	flags.DurationVar(&s.Grace, "shutdown.grace", 30*time.Second, "drain deadline before aborting remaining flushes")
}

// Preflight validates Shutdown after flag parsing.
func (s *Shutdown) Preflight() error {
	if s.Grace < 0 {
		return errors.New("shutdown.grace must not be negative")
	}
	return nil
}

// Config composes the four concern groups plus the engine's network
// and catalog settings.
type Config struct {
	ListenAddr      string
	CatalogAddr     string
	CatalogRefresh  time.Duration
	EagerCommit     bool
	FlushConcurrency int
	CommitRecoveryScanLimit int

	Staging   Staging
	Admission Admission
	Commit    Commit
	Shutdown  Shutdown
}

// Bind registers every flag on flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.ListenAddr, "listen-addr", ":8443", "address the sync gRPC/Flight service listens on")
	flags.StringVar(&c.CatalogAddr, "catalog-addr", "", "address of the catalog contract service")
	flags.DurationVar(&c.CatalogRefresh, "catalog-refresh", 30*time.Second, "interval between catalog snapshot refreshes")
	flags.BoolVar(&c.EagerCommit, "eager-commit", true, "flush eagerly on a transaction-terminating message")
	flags.IntVar(&c.FlushConcurrency, "flush-concurrency", 8, "max number of tables flushed concurrently")
	flags.IntVar(&c.CommitRecoveryScanLimit, "commit-recovery-scan-limit", 256, "max number of tables scanned to recover sequence watermarks at startup")

	c.Staging.Bind(flags)
	c.Admission.Bind(flags)
	c.Commit.Bind(flags)
	c.Shutdown.Bind(flags)
}

// Preflight validates the whole Config, including every concern group.
func (c *Config) Preflight() error {
	if c.ListenAddr == "" {
		return errors.New("listen-addr must not be empty")
	}
	if c.CatalogAddr == "" {
		return errors.New("catalog-addr must not be empty")
	}
	if c.FlushConcurrency <= 0 {
		return errors.New("flush-concurrency must be positive")
	}
	if err := c.Staging.Preflight(); err != nil {
		return err
	}
	if err := c.Admission.Preflight(); err != nil {
		return err
	}
	if err := c.Commit.Preflight(); err != nil {
		return err
	}
	if err := c.Shutdown.Preflight(); err != nil {
		return err
	}
	return nil
}
