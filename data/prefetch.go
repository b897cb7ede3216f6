package data

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// PrefetcherConfig controls background batch loading.
type PrefetcherConfig struct {
	// Depth is how many collated batches may sit ready ahead of the
	// consumer.
	Depth int
}

// Prefetcher decodes and collates batches in a background goroutine
// so image decoding overlaps the optimization step. Iteration order
// is exactly the wrapped loader's.
type Prefetcher struct {
	loader *DataLoader
	depth  int

	batches chan *Batch
	errs    chan error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewPrefetcher wraps a data loader. Depth defaults to 3.
func NewPrefetcher(loader *DataLoader, cfg PrefetcherConfig) *Prefetcher {
	if cfg.Depth <= 0 {
		cfg.Depth = 3
	}
	return &Prefetcher{loader: loader, depth: cfg.Depth}
}

// Start resets the wrapped loader and begins filling the pipeline.
func (p *Prefetcher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("prefetcher already running")
	}
	p.loader.Reset()
	p.batches = make(chan *Batch, p.depth)
	p.errs = make(chan error, 1)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.batches)
		for p.loader.HasNext() {
			batch, err := p.loader.Next()
			if err != nil {
				select {
				case p.errs <- err:
				case <-p.ctx.Done():
				}
				return
			}
			select {
			case p.batches <- batch:
			case <-p.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Next returns the next batch, or false when the epoch is exhausted.
func (p *Prefetcher) Next() (*Batch, bool, error) {
	select {
	case err := <-p.errs:
		return nil, false, err
	case batch, ok := <-p.batches:
		if !ok {
			select {
			case err := <-p.errs:
				return nil, false, err
			default:
			}
			return nil, false, nil
		}
		return batch, true, nil
	}
}

// Stop tears the pipeline down; safe to call after exhaustion.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
}

// Len returns the wrapped dataset size.
func (p *Prefetcher) Len() int { return p.loader.Len() }
