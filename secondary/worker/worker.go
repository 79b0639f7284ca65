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

// Package worker implements the process that repeatedly polls the
// Store Adapter for inProgress records and drives each one forward,
// following an outer/inner loop split (the outer loop ticks on an
// interval or a forced refresh and loads the current inProgress set;
// the inner loop fans each record out to its own goroutine, which
// drains that record step by step until it blocks, fails, or
// completes) rather than reacting to any push-based callback.
package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchbase/reindex-upgrader/secondary/common"
	"github.com/couchbase/reindex-upgrader/secondary/logging"
	"github.com/couchbase/reindex-upgrader/secondary/metrics"
	"github.com/couchbase/reindex-upgrader/secondary/reindex"
)

// Worker is the process-wide singleton that drives every in-progress
// reindex operation forward on each poll tick, step after step until
// the operation blocks, fails, or completes.
type Worker struct {
	service        *reindex.Service
	pollInterval   time.Duration
	batchSize      int
	maxConcurrency int

	mu      sync.RWMutex
	current map[string]struct{} // index names currently being driven, for Includes()

	cancel context.CancelFunc
	done   chan struct{}

	forceRefresh chan struct{}
}

var (
	singletonMu sync.Mutex
	singleton   *Worker
)

// New wires a Worker against the shared Service. config supplies
// reindex.pollInterval, reindex.taskBatchSize, and worker.maxConcurrency.
// At most one live Worker may exist per process: calling New again
// before the previous instance's Stop has run panics rather than
// silently handing back a second poll loop racing the first over the
// same store records.
func New(service *reindex.Service, config common.Config) *Worker {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		panic("worker: New called while a Worker instance is already live for this process")
	}

	w := &Worker{
		service:        service,
		pollInterval:   config["reindex.pollInterval"].Duration(),
		batchSize:      config["reindex.taskBatchSize"].Int(),
		maxConcurrency: int(config["worker.maxConcurrency"].Uint64()),
		current:        make(map[string]struct{}),
		forceRefresh:   make(chan struct{}, 1),
	}
	singleton = w
	return w
}

// Start launches the poll loop in a background goroutine. It returns
// immediately; call Stop to shut the loop down.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop cancels the poll loop, blocks until its current tick (if any)
// finishes, and frees this process to construct a replacement Worker
// via New.
func (w *Worker) Stop() {
	defer func() {
		singletonMu.Lock()
		if singleton == w {
			singleton = nil
		}
		singletonMu.Unlock()
	}()

	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// ForceRefresh wakes the poll loop immediately instead of waiting for
// the next tick, used by the adminport after CreateReindexOperation so
// a freshly created record doesn't sit idle for a full poll interval.
func (w *Worker) ForceRefresh() {
	select {
	case w.forceRefresh <- struct{}{}:
	default:
	}
}

// Includes reports whether indexName's operation is being actively
// driven by this worker instance right now, distinguishing "about to be
// picked up" from "mid-step".
func (w *Worker) Includes(indexName string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.current[indexName]
	return ok
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.forceRefresh:
		}
	}
}

// tick implements one pass of the poll/drive cycle: load every
// inProgress record and hand each to its own driveOne goroutine, joined
// via errgroup (whose SetLimit caps how many run at once). Each
// goroutine drains its record through as many consecutive steps as it
// can, so a record doesn't sit idle for a full pollInterval between
// every step; the tick returns once every goroutine has finished.
func (w *Worker) tick(ctx context.Context) {
	ops, err := w.service.FindAllByStatus(ctx, reindex.StatusInProgress)
	if err != nil {
		logging.Errorf("Worker::tick failed to load in-progress operations: %v", err)
		return
	}
	metrics.InProgress.WithLabelValues(string(reindex.StatusInProgress)).Set(float64(len(ops)))
	if count, err := w.service.MLUpgradeModeCount(ctx); err == nil {
		metrics.MLUpgradeModeCounter.Set(float64(count))
	}
	if w.batchSize > 0 && len(ops) > w.batchSize {
		logging.Warnf("Worker::tick %d in-progress operations exceed batch size %d, driving the first %d", len(ops), w.batchSize, w.batchSize)
		ops = ops[:w.batchSize]
	}

	g, gctx := errgroup.WithContext(ctx)
	if w.maxConcurrency > 0 {
		g.SetLimit(w.maxConcurrency)
	}
	for _, op := range ops {
		op := op
		w.mark(op.IndexName, true)
		g.Go(func() error {
			defer w.mark(op.IndexName, false)
			w.driveOne(gctx, op)
			return nil
		})
	}
	// errors from individual records are logged inside driveOne and
	// never returned, so this Wait only catches errgroup's own
	// context-cancellation bookkeeping.
	_ = g.Wait()
}

// driveOne advances op one step at a time, looping back for the next
// step immediately rather than waiting for the outer tick, until the
// record leaves inProgress (paused, completed, or failed) or a step
// blocks on a lease conflict or a transient cluster condition -- both
// of those are left for a later tick to retry rather than spun on here.
func (w *Worker) driveOne(ctx context.Context, op *reindex.Operation) {
	for {
		if ctx.Err() != nil {
			return
		}

		step := op.LastCompletedStep.String()
		start := time.Now()
		// the step body runs detached from ctx's cancellation so Stop lets
		// an in-flight step finish; ctx only gates starting the next one.
		next, err := w.service.ProcessNextStep(context.WithoutCancel(ctx), op)
		metrics.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())

		if err != nil {
			if common.IsConflict(err) {
				logging.Debugf("Worker::driveOne %s: lease held elsewhere, will retry next tick: %v", op.IndexName, err)
				return
			}
			if common.IsTransient(err) {
				metrics.StepFailuresTotal.WithLabelValues(step, "transient").Inc()
				logging.Warnf("Worker::driveOne %s: transient failure, will retry next tick: %v", op.IndexName, err)
				return
			}
			metrics.StepFailuresTotal.WithLabelValues(step, "fatal").Inc()
			logging.Errorf("Worker::driveOne %s: %v", op.IndexName, err)
			return
		}

		if next.Status == reindex.StatusFailed {
			metrics.StepFailuresTotal.WithLabelValues(step, "fatal").Inc()
		}
		if next.Status != reindex.StatusInProgress {
			return
		}
		op = next
	}
}

func (w *Worker) mark(indexName string, active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if active {
		w.current[indexName] = struct{}{}
	} else {
		delete(w.current, indexName)
	}
}
