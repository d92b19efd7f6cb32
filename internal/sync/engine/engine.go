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

// Package engine wires the eight sync components into one running
// process: catalog refresh, crash recovery, the Arrow Flight ingest
// endpoint, and the flush loop that drives the writer gateway. Build
// follows the teacher's wire_gen.go shape by hand: each provider that
// can fail returns an error plus (where it owns a resource) a cleanup
// closure, and a failed step unwinds every cleanup registered so far
// in reverse order.
package engine

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/seafowldb/seafowl/internal/catalog"
	"github.com/seafowldb/seafowl/internal/chaos"
	"github.com/seafowldb/seafowl/internal/stopper"
	"github.com/seafowldb/seafowl/internal/sync/admission"
	syncconfig "github.com/seafowldb/seafowl/internal/sync/config"
	"github.com/seafowldb/seafowl/internal/sync/decode"
	"github.com/seafowldb/seafowl/internal/sync/flush"
	"github.com/seafowldb/seafowl/internal/sync/ingest"
	"github.com/seafowldb/seafowl/internal/sync/staging"
	"github.com/seafowldb/seafowl/internal/sync/watermark"
	"github.com/seafowldb/seafowl/internal/sync/writer"
	"github.com/seafowldb/seafowl/internal/syncerr"
	"github.com/seafowldb/seafowl/internal/syncmodel"

	"github.com/apache/arrow-go/v18/arrow/flight"
)

// Config is the engine's assembled configuration, combining the
// per-concern structs in internal/sync/config with the object-store
// bucket the writer gateway commits to.
type Config struct {
	Sync   syncconfig.Config
	Bucket string

	// Chaos injects faults into the writer gateway's commit path;
	// the zero value disables chaos entirely. Meant for drills, never
	// for production configuration surfaces.
	Chaos chaos.Config
}

// Engine is the running process: a listener serving the Arrow Flight
// sync endpoint, a background flush loop, and a background catalog
// refresh loop, all tied to one stopper.Context.
type Engine struct {
	cfg Config

	stop     *stopper.Context
	listener net.Listener
	grpc     *grpc.Server

	catalogClient *catalog.Client
	tracker       *watermark.Tracker
	stagingBuf    *staging.Buffer
	planner       *flush.Planner
	writerGW      *writer.Gateway
	admissionCtl  *admission.Controller

	// shuttingDown is set once by flushLoop's goroutine and read from
	// every ingest handler goroutine via isShuttingDown; atomic.Bool
	// guards it the same way ingest.Server.firstSent guards its own
	// cross-goroutine flag.
	shuttingDown atomic.Bool
}

// Build assembles an Engine from cfg, recovering sequence watermarks
// from the object store before accepting any traffic. On success the
// returned cleanup must be called exactly once. On a non-nil error Build
// has already unwound whatever it acquired and the returned cleanup is
// nil.
func Build(ctx context.Context, cfg Config, raw catalog.RawClient) (*Engine, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if err := cfg.Sync.Preflight(); err != nil {
		return nil, nil, syncerr.Wrap(syncerr.KindFatal, err, "engine config")
	}

	stop := stopper.WithContext(ctx)

	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		cleanup()
		return nil, nil, syncerr.Wrap(syncerr.KindFatal, err, "load AWS config")
	}
	s3Client := s3.NewFromConfig(sdkConfig)

	var format writer.TableFormat = writer.NewObjectStoreFormat(s3Client, cfg.Bucket)
	if cfg.Chaos != (chaos.Config{}) {
		format = chaos.WithChaos(format, cfg.Chaos)
	}

	catalogClient := catalog.New(raw)
	if err := catalogClient.Refresh(ctx); err != nil {
		cleanup()
		return nil, nil, syncerr.Wrap(syncerr.KindIO, err, "initial catalog refresh")
	}

	tracker := watermark.New()
	if err := recoverWatermarks(ctx, catalogClient, format, tracker, cfg.Sync.CommitRecoveryScanLimit); err != nil {
		cleanup()
		return nil, nil, err
	}

	stagingBuf := staging.New(cfg.Sync.Staging.ResquashThresholdBytes)

	writerGW := writer.New(format, writer.Config{
		Deadline:       cfg.Sync.Commit.Deadline,
		BackoffInitial: cfg.Sync.Commit.BackoffInitial,
		BackoffMax:     cfg.Sync.Commit.BackoffMax,
		BackoffFactor:  cfg.Sync.Commit.BackoffFactor,
	})

	planner := flush.New(flush.Config{
		GlobalHighWatermarkBytes: cfg.Sync.Staging.MaxBytesTotal,
		GlobalLowWatermarkBytes:  cfg.Sync.Staging.MaxBytesLowWatermark,
		PerTableCapBytes:         cfg.Sync.Staging.MaxBytesPerTable,
		MaxStaleness:             cfg.Sync.Staging.MaxAge,
		EagerCommit:              cfg.Sync.EagerCommit,
	}, stagingBuf, writerGW)

	admissionCtl := admission.New(admission.Config{
		HardCeilingBytes:       cfg.Sync.Admission.HardCeilingBytes,
		PerOriginInflightBytes: cfg.Sync.Admission.PerOriginInflightBytes,
	}, noPressure{})

	e := &Engine{
		cfg:           cfg,
		stop:          stop,
		catalogClient: catalogClient,
		tracker:       tracker,
		stagingBuf:    stagingBuf,
		planner:       planner,
		writerGW:      writerGW,
		admissionCtl:  admissionCtl,
	}

	decoder := decode.New(catalogClient, catalogClient)
	ingestServer := ingest.New(decoder, admissionCtl, stagingBuf, planner, tracker, e.isShuttingDown)

	lis, err := net.Listen("tcp", cfg.Sync.ListenAddr)
	if err != nil {
		cleanup()
		return nil, nil, syncerr.Wrap(syncerr.KindIO, err, "listen")
	}
	cleanups = append(cleanups, func() { lis.Close() })
	e.listener = lis

	grpcServer := grpc.NewServer()
	flight.RegisterFlightServiceServer(grpcServer, ingestServer)
	e.grpc = grpcServer

	stop.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil {
			return syncerr.Wrap(syncerr.KindIO, err, "flight server")
		}
		return nil
	})
	cleanups = append(cleanups, func() { grpcServer.GracefulStop() })

	stop.Go(func() error {
		e.catalogRefreshLoop(stop)
		return nil
	})

	stop.Go(func() error {
		e.flushLoop(stop)
		return nil
	})

	return e, cleanup, nil
}

// recoverWatermarks seeds the sequence tracker from every known table's
// committed origin-sequence metadata (spec.md §4.F "recover on
// startup"), bounded by scanLimit.
func recoverWatermarks(ctx context.Context, cat *catalog.Client, format writer.TableFormat, tracker *watermark.Tracker, scanLimit int) error {
	targets := cat.KnownTargets()
	readers := make([]watermark.CommitMetadataReader, 0, len(targets))
	for _, t := range targets {
		readers = append(readers, tableReader{format: format, target: t})
	}
	return tracker.Recover(ctx, readers, scanLimit)
}

// tableReader adapts a writer.TableFormat bound to one target into a
// watermark.CommitMetadataReader.
type tableReader struct {
	format writer.TableFormat
	target syncmodel.TargetIdent
}

func (r tableReader) LatestOriginSeq(ctx context.Context) (map[string]uint64, error) {
	state, err := r.format.Open(ctx, r.target)
	if err != nil {
		return nil, err
	}
	return state.OriginSeq, nil
}

// noPressure is the PressureSource used when the engine has no
// separate backpressure signal wired in; admission then decides purely
// off the configured byte ceilings.
type noPressure struct{}

func (noPressure) UnderPressure() bool { return false }

func (e *Engine) isShuttingDown() bool { return e.shuttingDown.Load() }

// catalogRefreshLoop periodically re-fetches the catalog snapshot until
// stop is signaled.
func (e *Engine) catalogRefreshLoop(stop *stopper.Context) {
	interval := e.cfg.Sync.CatalogRefresh
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop.Stopping():
			return
		case <-ticker.C:
			if err := e.catalogClient.Refresh(stop); err != nil {
				logrus.WithError(err).Warn("seafowl sync: catalog refresh failed, keeping previous snapshot")
			}
		}
	}
}

// flushLoop drives the flush planner: on every tick it asks for the set
// of keys to flush, then commits each one through the writer gateway,
// draining and requeuing staging entries per spec.md §4.H's state
// machine.
func (e *Engine) flushLoop(stop *stopper.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop.Stopping():
			e.shuttingDown.Store(true)
			e.drainAll(stop.Context, e.cfg.Sync.Shutdown.Grace)
			return
		case <-ticker.C:
			e.flushOnce(stop.Context, false)
		}
	}
}

// flushOnce commits every decision the planner returns through a worker
// pool bounded by the flush-concurrency setting (spec.md §5 "the flush
// worker pool may run one flush per table concurrently"), so two tables
// can commit in parallel while a third's conflict-retry backoff never
// blocks the others.
func (e *Engine) flushOnce(ctx context.Context, shuttingDown bool) {
	decisions := e.planner.Plan(shuttingDown, time.Now())
	if len(decisions) == 0 {
		return
	}

	limit := e.cfg.Sync.FlushConcurrency
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, d := range decisions {
		d := d
		g.Go(func() error {
			e.flushOne(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) flushOne(ctx context.Context, d flush.Decision) {
	entry := e.stagingBuf.Drain(d.Target)
	if entry == nil || len(entry.Batches) == 0 {
		return
	}

	state, err := e.writerGW.Commit(ctx, d.Target, entry.Batches, entry.PendingOriginSeq)
	if err != nil {
		logrus.WithError(err).WithField("reason", d.Reason.String()).Warn("seafowl sync: flush commit failed, requeuing")
		e.stagingBuf.Requeue(d.Target, entry)
		return
	}

	for origin, bytes := range entry.OriginBytes {
		e.admissionCtl.Release(origin, bytes)
	}

	for origin, seq := range entry.PendingOriginSeq {
		if err := e.tracker.NoteDurable(origin, seq); err != nil {
			logrus.WithError(err).Error("seafowl sync: durable watermark invariant violated")
		}
	}
	_ = state
}

// drainAll repeatedly flushes every remaining eligible key until the
// staging buffer is empty or grace elapses, per spec.md §5's drain
// sequence: stop accepting new messages, then flush everything already
// staged before returning.
func (e *Engine) drainAll(ctx context.Context, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for {
		if len(e.stagingBuf.Keys()) == 0 {
			return
		}
		if grace > 0 && time.Now().After(deadline) {
			logrus.Warn("seafowl sync: shutdown grace period elapsed with staged data remaining")
			return
		}
		e.flushOnce(ctx, true)
		time.Sleep(10 * time.Millisecond)
	}
}

// Stop requests a graceful shutdown and blocks until every background
// task exits or grace elapses.
func (e *Engine) Stop(grace time.Duration) error {
	return e.stop.Stop(grace)
}

// Addr reports the address the Flight server is listening on.
func (e *Engine) Addr() net.Addr {
	return e.listener.Addr()
}
