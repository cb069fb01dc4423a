package decoder

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Pool offloads Decode calls onto a fixed set of worker goroutines so the
// event-loop goroutine never blocks on CPU-bound zlib/JSON work, running it
// off the hot I/O path wherever the platform supports a worker pool. Returns
// a decoded result per submission rather than firing a bare fire-and-forget
// task.
type Pool struct {
	sizeLimit int64
	jobs      chan job
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

type job struct {
	payload []byte
	result  chan<- Outcome
}

// Outcome is the result of decoding one payload: either a canonical
// envelope or the error that prevented producing one.
type Outcome struct {
	Envelope []byte
	Err      error
}

// NewPool starts workers workers draining a queueSize-deep job queue.
// workers <= 0 yields a Pool whose Decode runs inline on the caller's
// goroutine (no offload) — acceptable on platforms where the event loop is
// already multi-core.
func NewPool(ctx context.Context, workers, queueSize int, sizeLimit int64, logger zerolog.Logger) *Pool {
	p := &Pool{sizeLimit: sizeLimit, logger: logger}
	if workers <= 0 {
		return p
	}

	p.jobs = make(chan job, queueSize)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("decode worker recovered from panic")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			envelope, err := Decode(j.payload, p.sizeLimit)
			j.result <- Outcome{Envelope: envelope, Err: err}
		}
	}
}

// Submit enqueues payload and returns immediately with a channel that will
// receive exactly one Outcome. Unlike Decode, Submit never blocks waiting
// for a worker to pick up the job (only for queue space), which is what
// lets Pipeline keep several decodes in flight at once.
func (p *Pool) Submit(ctx context.Context, payload []byte) <-chan Outcome {
	result := make(chan Outcome, 1)
	if p.jobs == nil {
		result <- func() Outcome {
			envelope, err := Decode(payload, p.sizeLimit)
			return Outcome{Envelope: envelope, Err: err}
		}()
		return result
	}

	select {
	case p.jobs <- job{payload: payload, result: result}:
	case <-ctx.Done():
		result <- Outcome{Err: ctx.Err()}
	}
	return result
}

// Decode returns the canonical envelope for payload, running on a worker
// goroutine when the pool was configured with workers > 0, inline
// otherwise. It blocks until the decode completes or ctx is cancelled.
func (p *Pool) Decode(ctx context.Context, payload []byte) ([]byte, error) {
	result := p.Submit(ctx, payload)
	select {
	case r := <-result:
		return r.Envelope, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pipeline decodes every payload received on raw using the pool's workers,
// and emits one Outcome per payload on the returned channel in the same
// order the payloads arrived on raw — per-connection delivery must stay in
// subscriber-arrival order even though decode work itself runs concurrently
// across workers.
//
// It works as a classic ordered fan-out/fan-in: a dispatcher goroutine
// submits each payload and pushes the per-job result channel onto an
// ordered queue of channels; a sequencer goroutine drains that queue
// head-first, blocking on each job's own channel before forwarding its
// Outcome downstream. Workers still race each other internally, but the
// sequencer never advances past an unfinished head-of-line job.
//
// The returned channel is closed once raw is closed and every in-flight
// job has been forwarded, or once ctx is cancelled.
func (p *Pool) Pipeline(ctx context.Context, raw <-chan []byte) <-chan Outcome {
	pending := make(chan (<-chan Outcome), p.pipelineDepth())
	out := make(chan Outcome, p.pipelineDepth())

	go func() {
		defer close(pending)
		for {
			select {
			case payload, ok := <-raw:
				if !ok {
					return
				}
				select {
				case pending <- p.Submit(ctx, payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(out)
		for resultCh := range pending {
			select {
			case r := <-resultCh:
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// pipelineDepth bounds how many decodes Pipeline keeps in flight at once.
// It follows the job queue's capacity so the dispatcher can stay far
// enough ahead of the sequencer to keep the queue full, with a floor of 1
// for the inline (no-worker) case.
func (p *Pool) pipelineDepth() int {
	if cap(p.jobs) == 0 {
		return 1
	}
	return cap(p.jobs)
}

// Close waits for in-flight workers to exit. Callers must cancel the ctx
// passed to NewPool before calling Close.
func (p *Pool) Close() {
	if p.jobs != nil {
		close(p.jobs)
	}
	p.wg.Wait()
}
