package media

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent decryptions so media-heavy bursts
// cannot occupy every CPU while network handlers wait.
type Pool struct {
	sem     *semaphore.Weighted
	workers int
}

// NewPool creates a pool with the given concurrency. workers <= 0 uses GOMAXPROCS.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
	}
}

// Workers returns the configured concurrency.
func (p *Pool) Workers() int { return p.workers }

// Decrypt waits for a free slot, then runs Decrypt. Returns ctx.Err() if the
// context ends before a slot is acquired.
func (p *Pool) Decrypt(ctx context.Context, ref EncryptedMediaRef) (*DecryptedMedia, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("media: acquire worker: %w", err)
	}
	defer p.sem.Release(1)

	return Decrypt(ref)
}
