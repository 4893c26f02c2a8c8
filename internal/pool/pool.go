package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/maxischmaxi/qshot/internal/logging"
	"go.uber.org/zap"
)

// Pool runs at most n functions at once and collects their errors.
type Pool struct {
	wg  sync.WaitGroup
	sem chan struct{}

	mu   sync.Mutex
	errs []error
}

func New(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		sem: make(chan struct{}, concurrency),
	}
}

// Go blocks until a slot is free, then runs fn in its own goroutine.
// A panic in fn is recorded as an error.
func (p *Pool) Go(fn func() error) {
	p.wg.Add(1)
	p.sem <- struct{}{}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				logging.L.Error("worker panicked", zap.Any("panic", r))
				p.record(fmt.Errorf("worker panicked: %v", r))
			}
		}()
		if err := fn(); err != nil {
			p.record(err)
		}
	}()
}

func (p *Pool) record(err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

// Wait blocks until every function returned and joins their errors.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}
