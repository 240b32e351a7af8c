package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SubmitGuard allows one in-flight mint per (destination chain, operator)
// pair, so nonces are used in order. Share one guard between coordinators
// that sign with the same key.
type SubmitGuard struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewSubmitGuard() *SubmitGuard {
	return &SubmitGuard{slots: make(map[string]chan struct{})}
}

func (g *SubmitGuard) slot(chainID int64, operator common.Address) chan struct{} {
	key := fmt.Sprintf("%d/%s", chainID, operator.Hex())
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		g.slots[key] = s
	}
	return s
}

// Acquire blocks until the pair is free or ctx is done.
func (g *SubmitGuard) Acquire(ctx context.Context, chainID int64, operator common.Address) (release func(), err error) {
	s := g.slot(chainID, operator)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
