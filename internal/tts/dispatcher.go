package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

var (
	ErrDispatchTimeout   = errors.New("timed out waiting for synthesis")
	ErrWorkerUnavailable = errors.New("synthesis worker returned no result")
)

// Dispatcher hands jobs to the single worker over an unbuffered channel, so a
// submission only completes once the worker is ready to take it.
type Dispatcher struct {
	jobs      chan Job
	done      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		jobs: make(chan Job),
		done: make(chan struct{}),
	}
}

// Jobs is the receive side consumed by the worker.
func (d *Dispatcher) Jobs() <-chan Job { return d.jobs }

// Close marks the worker as gone. Blocked and future submissions fail with
// ErrWorkerUnavailable.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Pending is the caller's handle on an accepted job.
type Pending struct {
	reply <-chan audio.Buffer
}

// Submit blocks until the worker accepts the job or ctx ends.
func (d *Dispatcher) Submit(ctx context.Context, requestID, text string) (*Pending, error) {
	reply := make(chan audio.Buffer, 1)
	job := Job{RequestID: requestID, Text: text, reply: reply}
	select {
	case <-d.done:
		return nil, ErrWorkerUnavailable
	default:
	}
	select {
	case d.jobs <- job:
		return &Pending{reply: reply}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrDispatchTimeout, ctx.Err())
	case <-d.done:
		return nil, ErrWorkerUnavailable
	}
}

// Wait returns the job's audio. A reply channel closed without data means the
// worker failed the job. Giving up on ctx does not cancel the inference.
func (p *Pending) Wait(ctx context.Context) (audio.Buffer, error) {
	select {
	case buf, ok := <-p.reply:
		if !ok {
			return audio.Buffer{}, ErrWorkerUnavailable
		}
		return buf, nil
	case <-ctx.Done():
		return audio.Buffer{}, fmt.Errorf("%w: %v", ErrDispatchTimeout, ctx.Err())
	}
}

// Synthesize submits text and waits for its audio under a single deadline.
func (d *Dispatcher) Synthesize(ctx context.Context, requestID, text string) (audio.Buffer, error) {
	pending, err := d.Submit(ctx, requestID, text)
	if err != nil {
		return audio.Buffer{}, err
	}
	return pending.Wait(ctx)
}
