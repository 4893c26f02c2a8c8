package pool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_LimitsConcurrency(t *testing.T) {
	t.Parallel()

	p := New(2)
	var running, peak atomic.Int32
	for i := 0; i < 10; i++ {
		p.Go(func() error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	require.NoError(t, p.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestPool_JoinsErrors(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	second := errors.New("second")

	p := New(0)
	p.Go(func() error { return first })
	p.Go(func() error { return nil })
	p.Go(func() error { return second })

	err := p.Wait()
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestPool_RecoversPanics(t *testing.T) {
	t.Parallel()

	p := New(1)
	var ran atomic.Bool
	p.Go(func() error { panic("boom") })
	p.Go(func() error { ran.Store(true); return nil })

	err := p.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, ran.Load(), "a panic frees its slot")
}
