package cache

import (
	"context"
	"fmt"
	"sync"
)

type rebuildTask struct {
	key string
	ctx context.Context // detached from the request
	run func(context.Context)
}

// rebuildPool is a fixed set of workers over a bounded queue. Submission
// never blocks: a full queue rejects the task.
type rebuildPool struct {
	q       chan rebuildTask
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	once    sync.Once
	onPanic func(key string, err error)
}

func newRebuildPool(workers, qlen int, onPanic func(string, error)) *rebuildPool {
	p := &rebuildPool{q: make(chan rebuildTask, qlen), onPanic: onPanic}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for t := range p.q {
				p.exec(t)
			}
		}()
	}
	return p
}

func (p *rebuildPool) exec(t rebuildTask) {
	defer func() {
		if r := recover(); r != nil {
			p.onPanic(t.key, fmt.Errorf("rebuild panic: %v", r))
		}
	}()
	t.run(t.ctx)
}

func (p *rebuildPool) trySubmit(t rebuildTask) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.q <- t:
		return true
	default: // drop
		return false
	}
}

// close stops intake, lets queued tasks finish and waits for the workers or
// ctx, whichever comes first.
func (p *rebuildPool) close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.q)
		p.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
