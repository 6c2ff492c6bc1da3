package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// dispatcher runs jobs in the background. Jobs sharing a key run one at a
// time in submission order; jobs with different keys run concurrently.
type dispatcher struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards queues
	queues map[string][]func(context.Context)
	wg     sync.WaitGroup
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]func(context.Context)),
	}
}

// dispatch queues job under key. A key is present in queues exactly while
// a worker is draining it.
func (d *dispatcher) dispatch(key string, job func(context.Context)) {
	d.mu.Lock()
	queue, running := d.queues[key]
	d.queues[key] = append(queue, job)
	if running {
		d.mu.Unlock()
		d.logger.Info("run already in progress, queued", "key", key, "pending", len(queue)+1)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.drain(key)
}

func (d *dispatcher) drain(key string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		job := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		job(d.ctx)
	}
}

// wait blocks until all queued jobs have run
func (d *dispatcher) wait() {
	d.wg.Wait()
}

// shutdown waits up to grace for queued jobs, then cancels the context
// they run with and waits for them to return
func (d *dispatcher) shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		d.logger.Warn("runs still in progress after shutdown grace period, cancelling", "grace", grace)
		d.cancel()
		<-done
	}
}
