// Package process runs batches of derivative generation on a bounded
// worker pool kept separate from the pool serving live requests.
package process

import "sync"

// Pool is an explicitly constructed executor handed to the operations
// service, so it can be sized from configuration and swapped in tests.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	p := &Pool{tasks: make(chan func())}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

// Submit blocks while every worker is busy.
func (p *Pool) Submit(fn func()) {
	p.tasks <- fn
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
