package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolStopped = errors.New("worker pool is shutting down")
	ErrQueueFull   = errors.New("worker pool queue is full")
)

// Logger is the subset of utils.LogsManager used by the pool
type Logger interface {
	Debug(msg, category string)
	Info(msg, category string)
	Error(msg, category string)
}

// Task is a unit of work. The context is cancelled when the pool is stopped
// without draining.
type Task func(ctx context.Context)

// WorkerPool runs submitted tasks on a fixed number of goroutines
type WorkerPool struct {
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	workerChan chan Task
	wg         sync.WaitGroup
	logger     Logger

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewWorkerPool creates a pool with numWorkers workers and a queue of queueSize tasks
func NewWorkerPool(ctx context.Context, numWorkers int, queueSize int, logger Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < numWorkers {
		queueSize = numWorkers
	}
	poolCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		ctx:        poolCtx,
		cancel:     cancel,
		numWorkers: numWorkers,
		workerChan: make(chan Task, queueSize),
		logger:     logger,
	}
}

// Start initializes and starts all workers in the pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	if wp.started || wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.started = true
	wp.mu.Unlock()

	wp.logger.Info(fmt.Sprintf("Starting worker pool with %d workers", wp.numWorkers), "workers")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.work(i)
	}
}

func (wp *WorkerPool) work(id int) {
	defer wp.wg.Done()

	for task := range wp.workerChan {
		wp.run(id, task)
	}
	wp.logger.Debug(fmt.Sprintf("Worker %d stopped", id), "workers")
}

func (wp *WorkerPool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error(fmt.Sprintf("Worker %d panic recovered: %v", id, r), "workers")
		}
	}()
	task(wp.ctx)
}

// Submit queues a task, blocking while the queue is full
func (wp *WorkerPool) Submit(task Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.workerChan <- task:
		return nil
	case <-wp.ctx.Done():
		return ErrPoolStopped
	}
}

// TrySubmit queues a task without blocking
func (wp *WorkerPool) TrySubmit(task Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.workerChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop finishes the queued tasks and waits for the workers to exit
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.workerChan)
	started := wp.started
	wp.mu.Unlock()

	wp.logger.Info("Stopping worker pool", "workers")
	if started {
		wp.wg.Wait()
	}
	wp.cancel()
	wp.logger.Info("Worker pool stopped", "workers")
}

// Abort cancels the task context and then stops the pool
func (wp *WorkerPool) Abort() {
	wp.cancel()
	wp.Stop()
}

// GetActiveWorkers returns the number of workers
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}

// QueueLength returns the number of queued tasks
func (wp *WorkerPool) QueueLength() int {
	return len(wp.workerChan)
}
