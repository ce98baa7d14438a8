package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/PeerCall/internal/domain"
)

// future is a one-shot readiness signal.
type future struct {
	once sync.Once
	ch   chan struct{}
}

func newFuture() *future { return &future{ch: make(chan struct{})} }

func (f *future) resolve() { f.once.Do(func() { close(f.ch) }) }

func (f *future) done() <-chan struct{} { return f.ch }

// awaitAll blocks until every channel is closed or the bound expires.
func awaitAll(ctx context.Context, timeout time.Duration, signals ...<-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, ch := range signals {
		select {
		case <-ch:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("media and peer readiness: %w", domain.ErrSignalingTimeout)
			}
			return ctx.Err()
		}
	}
	return nil
}
