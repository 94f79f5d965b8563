/*
Package bridge hands work from request goroutines to a long-lived processing loop.

A Loop owns a fixed set of shard goroutines. Every task is submitted under a
key; all tasks sharing a key land on the same shard and therefore run one at a
time, in submission order. Tasks with different keys may run in parallel on
different shards.

Callers usually use SubmitAndWait, which blocks until the task finishes or a
bounded wait elapses. A timed-out wait is an acknowledgement without
confirmation: the task is never cancelled and keeps running with the loop's
own context. Seen from the caller, delivery is attempted at least once but is
not confirmed exactly once.
*/
package bridge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keepmind9/resizebot/internal/logger"
	"github.com/keepmind9/resizebot/pkg/constants"
	"github.com/sirupsen/logrus"
)

var (
	// ErrWaitTimeout is returned when SubmitAndWait gives up waiting. The task keeps running.
	ErrWaitTimeout = errors.New("timed out waiting for task")

	// ErrQueueOverflow is returned when the target shard's queue is full.
	ErrQueueOverflow = errors.New("queue is full")

	// ErrLoopStopped is returned when a task is given to a loop that is not running.
	ErrLoopStopped = errors.New("loop is not running")
)

// Task is a unit of work run on the loop. ctx is the loop's context, not the submitter's.
type Task func(ctx context.Context) error

// Config contains sizing of the loop.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// NewConfig returns Config with default values.
func NewConfig() Config {
	return Config{
		Workers:   constants.DefaultBridgeWorkers,
		QueueSize: constants.DefaultBridgeQueueSize,
		Timeout:   constants.DefaultBridgeTimeout,
	}
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
	TimedOut  int64 `json:"timed_out"`
	Rejected  int64 `json:"rejected"`
}

type job struct {
	key  string
	task Task
	done chan error
}

// Loop is the long-lived processing context.
type Loop struct {
	config Config
	shards []chan *job

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	timedOut  atomic.Int64
	rejected  atomic.Int64
}

// NewLoop creates a stopped loop. Call Start before submitting.
func NewLoop(config Config) *Loop {
	if config.Workers <= 0 {
		config.Workers = constants.DefaultBridgeWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = constants.DefaultBridgeQueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = constants.DefaultBridgeTimeout
	}

	shards := make([]chan *job, config.Workers)
	for i := range shards {
		shards[i] = make(chan *job, config.QueueSize)
	}

	return &Loop{
		config: config,
		shards: shards,
	}
}

// Start spawns the shard goroutines. Only the first call has an effect.
// The loop stops when ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil {
		return
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.running = true

	logger.WithFields(logrus.Fields{
		"workers":    l.config.Workers,
		"queue_size": l.config.QueueSize,
		"timeout":    l.config.Timeout,
	}).Info("bridge-loop-starting")

	for i, shard := range l.shards {
		l.wg.Add(1)
		go l.runShard(l.ctx, i, shard)
	}

	go func() {
		<-l.ctx.Done()
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()
}

// Timeout returns the configured bounded wait.
func (l *Loop) Timeout() time.Duration {
	return l.config.Timeout
}

// Submit enqueues task on the shard owning key and returns a channel that
// receives the task's result exactly once.
func (l *Loop) Submit(key string, task Task) (<-chan error, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.running {
		l.rejected.Add(1)
		return nil, ErrLoopStopped
	}

	j := &job{key: key, task: task, done: make(chan error, 1)}

	// The read lock keeps Stop from draining queues between the running check and the send.
	select {
	case l.shards[l.shardFor(key)] <- j:
		l.submitted.Add(1)
		return j.done, nil
	default:
		l.rejected.Add(1)
		return nil, ErrQueueOverflow
	}
}

// SubmitAndWait submits task and blocks until it completes, timeout elapses
// or ctx is done. A zero timeout uses the configured one.
func (l *Loop) SubmitAndWait(ctx context.Context, key string, task Task, timeout time.Duration) error {
	done, err := l.Submit(key, task)
	if err != nil {
		return err
	}

	if timeout <= 0 {
		timeout = l.config.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		l.timedOut.Add(1)
		return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
	case <-ctx.Done():
		l.timedOut.Add(1)
		return fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}

// Stop cancels the loop, waits for running tasks to return and fails queued ones.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.cancel == nil {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.mu.Unlock()

	l.wg.Wait()
	logger.Info("bridge-loop-stopped")
}

// Stats returns current counters.
func (l *Loop) Stats() Stats {
	queued := 0
	for _, shard := range l.shards {
		queued += len(shard)
	}
	return Stats{
		Workers:   len(l.shards),
		Queued:    queued,
		Submitted: l.submitted.Load(),
		Completed: l.completed.Load(),
		Failed:    l.failed.Load(),
		Panicked:  l.panicked.Load(),
		TimedOut:  l.timedOut.Load(),
		Rejected:  l.rejected.Load(),
	}
}

func (l *Loop) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}

func (l *Loop) runShard(ctx context.Context, id int, queue chan *job) {
	defer l.wg.Done()
	logger.WithField("shard", id).Debug("bridge-shard-started")

	for {
		select {
		case <-ctx.Done():
			l.drain(id, queue)
			logger.WithField("shard", id).Debug("bridge-shard-stopped")
			return

		case j := <-queue:
			if ctx.Err() != nil {
				j.done <- ErrLoopStopped
				l.drain(id, queue)
				return
			}
			j.done <- l.run(ctx, id, j)
		}
	}
}

func (l *Loop) drain(id int, queue chan *job) {
	for {
		select {
		case j := <-queue:
			logger.WithFields(logrus.Fields{
				"shard": id,
				"key":   j.key,
			}).Warn("bridge-dropping-queued-task-on-shutdown")
			j.done <- ErrLoopStopped
		default:
			return
		}
	}
}

// run executes one task so that a panic cannot take the shard down.
func (l *Loop) run(ctx context.Context, id int, j *job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.panicked.Add(1)
			l.failed.Add(1)
			err = fmt.Errorf("panic in task for %s: %v\n%s", j.key, r, debug.Stack())
			logger.WithFields(logrus.Fields{
				"shard": id,
				"key":   j.key,
				"panic": r,
			}).Error("bridge-task-panic-recovered")
		}
	}()

	err = j.task(ctx)
	if err != nil {
		l.failed.Add(1)
	} else {
		l.completed.Add(1)
	}

	logger.WithFields(logrus.Fields{
		"shard":    id,
		"key":      j.key,
		"duration": time.Since(start),
		"failed":   err != nil,
	}).Debug("bridge-task-finished")
	return err
}
