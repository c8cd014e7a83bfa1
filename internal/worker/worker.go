// ============================================================================
// Escrow Notification Worker - Delivery Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that delivers signals to sinks, each Worker runs in an
// independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Deliver with a per-attempt timeout, retrying with backoff
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// ============================================================================

package worker

import (
	"context"
	"time"
)

// RetryPolicy bounds redelivery of a failed notification.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, at least 1
	Backoff     time.Duration // delay before the second attempt, doubled each retry
}

// Worker represents a delivery execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	retry    RetryPolicy
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, retry RetryPolicy, stopCh <-chan struct{}) *Worker {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		retry:    retry,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)

		select {
		case w.resultCh <- result:
		default:
			// result channel full; the delivery itself already happened
			log.Debug("notification result dropped", "worker", w.id, "sink", result.Sink)
		}
	}
}

// execute delivers task, retrying until success, MaxAttempts or pool stop.
func (w *Worker) execute(task Task) Result {
	start := time.Now()
	result := Result{EventType: task.Event.Type, Sink: task.Sink.Name()}
	backoff := w.retry.Backoff

	for attempt := 1; attempt <= w.retry.MaxAttempts; attempt++ {
		result.Attempts = attempt
		err := w.deliverOnce(task)
		if err == nil {
			result.Delivered = true
			result.Error = nil
			break
		}
		result.Error = err
		if attempt == w.retry.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-w.stopCh:
			// 停止中：不再重試，保留最後錯誤
			result.Duration = time.Since(start)
			return result
		}
		backoff *= 2
	}
	result.Duration = time.Since(start)
	return result
}

func (w *Worker) deliverOnce(task Task) error {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	return task.Sink.Deliver(ctx, task.Event)
}
