package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"agentcrew/internal/logging"
	"agentcrew/internal/provider"
)

// Pool runs pipelines on a bounded set of workers. Submissions above
// capacity queue in FIFO order. One pipeline is owned by exactly one worker
// for the duration of a Run.
type Pool struct {
	machine *Machine
	queue   chan *Pipeline
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	active map[string]bool
	closed bool
}

// queueCapacity bounds how many pipelines may wait. Beyond it, Submit
// rejects rather than blocking the facade.
const queueCapacity = 256

// NewPool starts workers reading the FIFO queue.
func NewPool(machine *Machine, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		machine: machine,
		queue:   make(chan *Pipeline, queueCapacity),
		group:   group,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]bool),
	}

	for i := 0; i < workers; i++ {
		group.Go(func() error {
			for pl := range p.queue {
				p.setActive(pl.ID, true)
				if err := p.machine.Run(p.ctx, pl); err != nil {
					logging.Pipeline("Worker finished pipeline %s with error: %v", pl.ID, err)
				}
				p.setActive(pl.ID, false)
			}
			return nil
		})
	}
	logging.Boot("Pipeline pool started with %d workers", workers)
	return p
}

// Submit enqueues a pipeline for execution.
func (p *Pool) Submit(pl *Pipeline) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return provider.NewError(provider.KindValidation, "pipeline pool is shut down")
	}
	p.mu.Unlock()

	select {
	case p.queue <- pl:
		return nil
	default:
		return provider.NewError(provider.KindValidation,
			"pipeline queue full (%d waiting)", queueCapacity)
	}
}

// ActiveIDs returns the pipelines currently held by workers.
func (p *Pool) ActiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for id, on := range p.active {
		if on {
			out = append(out, id)
		}
	}
	return out
}

// Shutdown stops accepting work and waits until the workers have run every
// pipeline already queued or in flight to the end of its Run; the pool
// context is cancelled only after that.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)
	p.group.Wait()
	p.cancel()
	logging.Boot("Pipeline pool drained")
}

func (p *Pool) setActive(id string, on bool) {
	p.mu.Lock()
	if on {
		p.active[id] = true
	} else {
		delete(p.active, id)
	}
	p.mu.Unlock()
}
