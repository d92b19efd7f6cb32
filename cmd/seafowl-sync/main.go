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

// Command seafowl-sync runs the sync engine's gRPC/Arrow-Flight
// ingest service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/seafowldb/seafowl/internal/catalog"
	"github.com/seafowldb/seafowl/internal/chaos"
	syncconfig "github.com/seafowldb/seafowl/internal/sync/config"
	"github.com/seafowldb/seafowl/internal/sync/engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("seafowl-sync: exiting")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "seafowl-sync",
		Short:         "Synchronizes row-level changes into analytical tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

// serveConfig bundles the engine's own Config with the flags main owns:
// which bucket to write to and the chaos fault-injection settings.
type serveConfig struct {
	Sync   syncconfig.Config
	Bucket string
	Chaos  chaos.Config
}

func newServeCmd() *cobra.Command {
	var cfg serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync ingest service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	cfg.Sync.Bind(cmd.Flags())
	cmd.Flags().StringVar(&cfg.Bucket, "bucket", "", "destination object-store bucket the writer gateway commits to")
	cmd.Flags().Float64Var(&cfg.Chaos.CommitConflictProbability, "chaos.commit-conflict-probability", 0, "probability in [0,1] of injecting a spurious commit conflict; for drills only")
	cmd.Flags().DurationVar(&cfg.Chaos.CommitLatency, "chaos.commit-latency", 0, "extra latency injected before every commit; for drills only")

	return cmd
}

func runServe(ctx context.Context, cfg serveConfig) error {
	if err := cfg.Sync.Preflight(); err != nil {
		return err
	}
	if cfg.Bucket == "" {
		return errMissingBucket
	}

	conn, err := grpc.NewClient(cfg.Sync.CatalogAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	raw := catalog.NewGRPCClient(conn, catalog.DefaultListSchemas)

	eng, cleanup, err := engine.Build(ctx, engine.Config{
		Sync:   cfg.Sync,
		Bucket: cfg.Bucket,
		Chaos:  cfg.Chaos,
	}, raw)
	if err != nil {
		return err
	}
	defer cleanup()

	logrus.WithField("addr", eng.Addr()).Info("seafowl-sync: serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("seafowl-sync: shutting down")
	return eng.Stop(cfg.Sync.Shutdown.Grace)
}

var errMissingBucket = &missingFlagError{flag: "bucket"}

type missingFlagError struct{ flag string }

func (e *missingFlagError) Error() string { return "missing required flag: --" + e.flag }
