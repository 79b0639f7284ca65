// @copyright 2014-Present Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command reindex-workerd runs the reindex orchestrator process: it
// serves the adminport HTTP API and drives the worker's poll loop
// together under a single supervised process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/couchbase/cbauth"
	"github.com/spf13/cobra"
	gocb "gopkg.in/couchbase/gocb.v1"

	"github.com/couchbase/reindex-upgrader/secondary/adminport"
	"github.com/couchbase/reindex-upgrader/secondary/cluster"
	"github.com/couchbase/reindex-upgrader/secondary/common"
	"github.com/couchbase/reindex-upgrader/secondary/logging"
	"github.com/couchbase/reindex-upgrader/secondary/reindex"
	"github.com/couchbase/reindex-upgrader/secondary/store"
	"github.com/couchbase/reindex-upgrader/secondary/worker"

	"go.uber.org/zap"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		logging.Fatalf("reindex-workerd: %v", err)
		os.Exit(1)
	}
}

type serveOptions struct {
	clusterURL     string
	connStr        string
	bucketName     string
	bucketPassword string
	listenAddr     string
	pollInterval   time.Duration
	minNodeVersion string
	authUser       string
	debug          bool
	insecureTLS    bool
	maxConcurrency uint64
}

// NewRootCommand builds the cobra command tree with a single serve
// subcommand.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "reindex-workerd",
		Short: "Durable, distributed reindex orchestrator",
		Long:  "reindex-workerd migrates search indices across a cluster major-version upgrade via a persisted, lease-guarded state machine.",
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the adminport API and the worker poll loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.clusterURL, "cluster-url", "http://127.0.0.1:9200", "base URL of the target search cluster REST API")
	flags.StringVar(&opts.connStr, "couchbase-connstr", "couchbase://127.0.0.1", "Couchbase connection string backing the Store Adapter")
	flags.StringVar(&opts.bucketName, "bucket", "upgrade-assistant", "Couchbase bucket holding operation and ML counter records")
	flags.StringVar(&opts.bucketPassword, "bucket-password", "", "bucket password, if the bucket requires one")
	flags.StringVar(&opts.listenAddr, "listen-addr", ":9123", "adminport listen address")
	flags.DurationVar(&opts.pollInterval, "poll-interval", 30*time.Second, "worker poll interval")
	flags.StringVar(&opts.minNodeVersion, "min-node-version", "6.7.0", "minimum cluster node version required to enable ML upgrade mode")
	flags.StringVar(&opts.authUser, "auth", "", "user:pass to initialize cbauth against the target cluster")
	flags.BoolVar(&opts.debug, "debug", false, "enable development logging")
	flags.BoolVar(&opts.insecureTLS, "insecure-skip-verify", false, "skip TLS certificate verification against the target cluster (self-signed test clusters only)")
	flags.Uint64Var(&opts.maxConcurrency, "worker-max-concurrency", 16, "maximum number of reindex operations driven concurrently per poll tick")

	return cmd
}

func run(ctx context.Context, opts *serveOptions) error {
	if opts.debug {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building development logger: %w", err)
		}
		logging.SetLogger(dev)
	}
	defer logging.Sync()

	if opts.authUser != "" {
		up := strings.SplitN(opts.authUser, ":", 2)
		if len(up) != 2 {
			return fmt.Errorf("--auth must be of the form user:pass")
		}
		if _, err := cbauth.InternalRetryDefaultInit(opts.clusterURL, up[0], up[1]); err != nil {
			return fmt.Errorf("initializing cbauth: %w", err)
		}
	}

	var bucket *gocb.Bucket
	openErr := common.NewRetryHelper(5, time.Second, 2, func(attempt int, lastErr error) error {
		if attempt > 0 {
			logging.Warnf("main::run retrying couchbase connection (attempt %d): %v", attempt, lastErr)
		}
		cb, err := gocb.Connect(opts.connStr)
		if err != nil {
			return fmt.Errorf("connecting to couchbase at %q: %w", opts.connStr, err)
		}
		b, err := cb.OpenBucket(opts.bucketName, opts.bucketPassword)
		if err != nil {
			return fmt.Errorf("opening bucket %q: %w", opts.bucketName, err)
		}
		bucket = b
		return nil
	}).Run()
	if openErr != nil {
		return openErr
	}
	defer bucket.Close()

	config := common.SystemConfig().
		Set("reindex.pollInterval", opts.pollInterval).
		Set("reindex.minNodeVersion", opts.minNodeVersion).
		Set("adminport.listenAddr", opts.listenAddr).
		Set("cluster.url", opts.clusterURL).
		Set("cluster.insecureSkipVerify", opts.insecureTLS).
		Set("worker.maxConcurrency", opts.maxConcurrency)

	clusterClient := cluster.NewHTTPClient(opts.clusterURL, config["cluster.requestTimeout"].Duration(), config["cluster.insecureSkipVerify"].Bool())
	storeAdapter := store.NewAdapter(bucket)

	hostname, _ := os.Hostname()
	instanceID, err := common.NewUUID()
	if err != nil {
		return fmt.Errorf("generating worker instance id: %w", err)
	}
	ownerID := fmt.Sprintf("%s-%s", hostname, instanceID.Str())

	service := reindex.NewService(storeAdapter, clusterClient, ownerID, opts.minNodeVersion)
	w := worker.New(service, config)

	w.Start(ctx)
	defer w.Stop()

	server := adminport.NewServer(config, service, w)
	server.Start()
	logging.Infof("main::run reindex-workerd listening on %s, owner %s", opts.listenAddr, ownerID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logging.Infof("main::run received signal %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil && err != http.ErrServerClosed {
		logging.Errorf("main::run adminport shutdown error: %v", err)
	}
	return nil
}
