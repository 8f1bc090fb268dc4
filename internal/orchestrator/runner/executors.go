package runner

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/orchestrator/pool"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// PoolExecutors adapts the executor pool to the Executors interface. It is
// late-bound because the pool needs the runner as its traffic sink before
// the runner can hold the pool.
type PoolExecutors struct {
	mu   sync.RWMutex
	pool *pool.Pool
}

// Bind attaches the pool once it exists.
func (p *PoolExecutors) Bind(pl *pool.Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool = pl
}

func (p *PoolExecutors) get() (*pool.Pool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pool == nil {
		return nil, apperrors.Internal("executor pool not bound", nil)
	}
	return p.pool, nil
}

func (p *PoolExecutors) Acquire(ctx context.Context, sess *v1.Session) (ExecutorClient, error) {
	pl, err := p.get()
	if err != nil {
		return nil, err
	}
	inst, err := pl.Ensure(ctx, sess)
	if err != nil {
		return nil, err
	}
	return inst.Client(), nil
}

func (p *PoolExecutors) Find(sessionID string) (ExecutorClient, bool) {
	pl, err := p.get()
	if err != nil {
		return nil, false
	}
	inst, ok := pl.Get(sessionID)
	if !ok {
		return nil, false
	}
	return inst.Client(), true
}

func (p *PoolExecutors) Shutdown(ctx context.Context, sessionID string, grace time.Duration) error {
	pl, err := p.get()
	if err != nil {
		return err
	}
	return pl.Shutdown(ctx, sessionID, grace)
}

// FeathersEnabled reports the bound pool's spawn mode; an unbound pool
// falls back to the call-driven path.
func (p *PoolExecutors) FeathersEnabled() bool {
	pl, err := p.get()
	if err != nil {
		return false
	}
	return pl.FeathersEnabled()
}

func (p *PoolExecutors) SpawnFeathers(ctx context.Context, sess *v1.Session, task *v1.Task, cwd string) error {
	pl, err := p.get()
	if err != nil {
		return err
	}
	return pl.SpawnFeathers(ctx, sess, task, cwd)
}
