// Package writeback runs cache population off the request path. A Scheduler
// owns a fixed pool of workers draining a bounded queue; Submit never blocks
// and rejects new work once the queue is full, so a slow or unavailable cache
// store can only cost cache fills, never client latency.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull 表示队列已满，任务被丢弃。
	ErrQueueFull = errors.New("writeback queue full")
	// ErrClosed 表示调度器已关闭，不再接收任务。
	ErrClosed = errors.New("writeback scheduler closed")
)

// Task 是一次回写操作。ctx 与客户端请求无关，只在调度器强制关闭时取消。
type Task func(ctx context.Context) error

// Result 标识任务结局，供 Observer 计数。
type Result string

const (
	ResultOK       Result = "ok"
	ResultFailed   Result = "failed"
	ResultPanic    Result = "panic"
	ResultRejected Result = "rejected"
)

// Observer 接收任务结局，通常由 metrics 包实现。
type Observer interface {
	ObserveWriteBack(result Result)
}

// Options 控制 worker 数量与队列容量。
type Options struct {
	Workers   int
	QueueSize int
	Logger    *logrus.Logger
	Observer  Observer
}

// Scheduler 是有界队列 + 固定 worker 池。
type Scheduler struct {
	tasks    chan Task
	logger   *logrus.Logger
	observer Observer

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New 启动 opts.Workers 个 worker。
func New(opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = 10
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:    make(chan Task, size),
		logger:   logger,
		observer: opts.Observer,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker(i)
	}
	return s
}

// Submit 非阻塞入队；队列满返回 ErrQueueFull，关闭后返回 ErrClosed。
func (s *Scheduler) Submit(task Task) error {
	if task == nil {
		return errors.New("nil writeback task")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.tasks <- task:
		return nil
	default:
		s.observe(ResultRejected)
		s.logger.WithFields(logrus.Fields{
			"action":      "writeback",
			"queue_depth": len(s.tasks),
		}).Warn("writeback_rejected")
		return ErrQueueFull
	}
}

// Depth 返回当前排队任务数。
func (s *Scheduler) Depth() int {
	return len(s.tasks)
}

// Capacity 返回队列容量。
func (s *Scheduler) Capacity() int {
	return cap(s.tasks)
}

// Close 停止接收新任务并等待队列排空。ctx 到期时取消仍在执行的任务并返回 ctx.Err()。
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.tasks)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for task := range s.tasks {
		s.run(id, task)
	}
}

func (s *Scheduler) run(id int, task Task) {
	result := ResultOK
	defer func() {
		if r := recover(); r != nil {
			result = ResultPanic
			s.logger.WithFields(logrus.Fields{
				"action": "writeback",
				"worker": id,
				"panic":  fmt.Sprint(r),
			}).Error("writeback_panic")
		}
		s.observe(result)
	}()

	if err := task(s.baseCtx); err != nil {
		result = ResultFailed
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "writeback",
			"worker": id,
		}).Warn("writeback_failed")
	}
}

func (s *Scheduler) observe(result Result) {
	if s.observer != nil {
		s.observer.ObserveWriteBack(result)
	}
}
