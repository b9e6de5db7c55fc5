package llm

import (
	"context"
	"sync"
)

// Pipe is a Stream fed by a producer goroutine. The producer calls Send for
// each chunk and Close exactly once at the end.
type Pipe struct {
	ch   chan Chunk
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	err   error
	usage Usage
}

var _ Stream = (*Pipe)(nil)

func NewPipe(buffer int) *Pipe {
	return &Pipe{
		ch:   make(chan Chunk, buffer),
		done: make(chan struct{}),
	}
}

// Send delivers c, blocking until the consumer reads it or ctx ends.
// It reports false when the consumer is gone.
func (p *Pipe) Send(ctx context.Context, c Chunk) bool {
	select {
	case p.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream with the final usage and error. Later calls are ignored.
func (p *Pipe) Close(u Usage, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.usage = u
		p.err = err
		p.mu.Unlock()
		// done first: a consumer that sees ch closed must also see err.
		close(p.done)
		close(p.ch)
	})
}

func (p *Pipe) Chunks() <-chan Chunk {
	return p.ch
}

// Err returns the error passed to Close, or nil while the stream is open.
func (p *Pipe) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipe) Usage(ctx context.Context) (Usage, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return Usage{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage, p.err
}
