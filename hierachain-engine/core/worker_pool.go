package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Worker pool errors
var (
	ErrPoolShutdown    = errors.New("worker pool is shut down")
	ErrQueueFull       = errors.New("task queue is full")
	ErrShutdownTimeout = errors.New("shutdown timeout")
	ErrNoProcessFunc   = errors.New("no process function defined")
)

// Task is a unit of work for the pool.
type Task struct {
	ID          string
	Data        any
	ProcessFunc func(any) (any, error)
	CreatedAt   time.Time
	Ctx         context.Context

	done chan *Result
}

// NewTask creates a task bound to the background context.
func NewTask(id string, data any, fn func(any) (any, error)) *Task {
	return &Task{
		ID:          id,
		Data:        data,
		ProcessFunc: fn,
		CreatedAt:   time.Now(),
		Ctx:         context.Background(),
	}
}

// Result is the outcome of one task.
type Result struct {
	TaskID   string
	Success  bool
	Data     any
	Error    error
	Duration time.Duration
	WorkerID int
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool runs tasks on a fixed set of goroutines. Results of tasks
// submitted with Submit go to Results(); SubmitAndWait and RunBatch deliver
// results to the caller directly.
type WorkerPool struct {
	name       string
	workers    int
	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	active    int64
	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool starts a pool with the given number of workers.
func NewWorkerPool(name string, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:       name,
		workers:    workers,
		taskChan:   make(chan *Task, workers*100),
		resultChan: make(chan *Result, workers*100),
		ctx:        ctx,
		cancel:     cancel,
		running:    true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.processTask(id, task)
		}
	}
}

func (p *WorkerPool) processTask(workerID int, task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()
	result := &Result{
		TaskID:   task.ID,
		WorkerID: workerID,
	}

	// One task panicking must not take the pool down.
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Errorf("panic in task processing: %v", r)
			result.Duration = time.Since(start)
			atomic.AddInt64(&p.failed, 1)
			p.deliver(task, result)
		}
	}()

	if task.Ctx != nil {
		if err := task.Ctx.Err(); err != nil {
			result.Error = err
			result.Duration = time.Since(start)
			atomic.AddInt64(&p.failed, 1)
			p.deliver(task, result)
			return
		}
	}

	if task.ProcessFunc != nil {
		data, err := task.ProcessFunc(task.Data)
		result.Data = data
		result.Error = err
		result.Success = err == nil
	} else {
		result.Error = ErrNoProcessFunc
	}
	result.Duration = time.Since(start)

	if result.Success {
		atomic.AddInt64(&p.completed, 1)
	} else {
		atomic.AddInt64(&p.failed, 1)
	}
	p.deliver(task, result)
}

// deliver hands the result to its waiter, or to the shared channel without
// blocking.
func (p *WorkerPool) deliver(task *Task, result *Result) {
	if task.done != nil {
		task.done <- result
		return
	}
	select {
	case p.resultChan <- result:
	default:
	}
}

// Submit queues a task; its result appears on Results().
func (p *WorkerPool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolShutdown
	}

	select {
	case p.taskChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait queues a task and waits for its result.
func (p *WorkerPool) SubmitAndWait(task *Task, timeout time.Duration) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.Submit(task); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-task.done:
		return result, nil
	case <-timer.C:
		return nil, context.DeadlineExceeded
	}
}

// RunBatch queues every task and waits for all results, returned in task
// order. Tasks that cannot be queued get a failed result carrying the
// submission error.
func (p *WorkerPool) RunBatch(ctx context.Context, tasks []*Task) ([]*Result, error) {
	results := make([]*Result, len(tasks))
	for i, task := range tasks {
		task.done = make(chan *Result, 1)
		if task.Ctx == nil {
			task.Ctx = ctx
		}
		if err := p.Submit(task); err != nil {
			results[i] = &Result{TaskID: task.ID, Error: err}
			task.done = nil
		}
	}

	for i, task := range tasks {
		if task.done == nil {
			continue
		}
		select {
		case results[i] = <-task.done:
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, nil
}

// Results returns the channel for results of tasks queued with Submit.
func (p *WorkerPool) Results() <-chan *Result {
	return p.resultChan
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.taskChan),
		SuccessRate: successRate,
	}
}

func (p *WorkerPool) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.running = false
	close(p.taskChan)
	return true
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (p *WorkerPool) Shutdown() {
	if !p.stop() {
		return
	}
	p.wg.Wait()
	p.cancel()
	close(p.resultChan)
}

// ShutdownWithTimeout is Shutdown bounded by timeout; workers still busy
// after it are cancelled.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	if !p.stop() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		close(p.resultChan)
		return nil
	case <-time.After(timeout):
		p.cancel()
		return ErrShutdownTimeout
	}
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
