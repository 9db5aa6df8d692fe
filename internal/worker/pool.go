package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/votegate/internal/liveness"
	"github.com/andresmejia3/votegate/internal/types"
)

// Spawner starts worker number id.
type Spawner func(id int) (*PythonWorker, error)

// slot is one engine seat in the pool. A nil worker is started on first use
// and after the previous process broke.
type slot struct {
	id int
	w  *PythonWorker
}

// Pool shares a fixed number of Python workers between concurrent requests.
// A worker serves one request at a time.
type Pool struct {
	slots  chan *slot
	size   int
	dim    int
	spawn  Spawner
	logger *slog.Logger
}

// NewPool creates a pool of size engines producing dim-dimensional
// embeddings. Processes are started lazily.
func NewPool(size, dim int, spawn Spawner, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool needs at least one engine, got %d", size)
	}
	if dim < 1 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pool{
		slots:  make(chan *slot, size),
		size:   size,
		dim:    dim,
		spawn:  spawn,
		logger: logger,
	}
	for i := 0; i < size; i++ {
		p.slots <- &slot{id: i}
	}
	return p, nil
}

// Dimension is the embedding length every Extract returns.
func (p *Pool) Dimension() int { return p.dim }

// Size is the number of engines.
func (p *Pool) Size() int { return p.size }

// Extract returns the normalised embedding of the dominant face in img.
// Errors wrapping types.ErrUnusableCapture mean the capture was unusable.
func (p *Pool) Extract(ctx context.Context, img []byte) (types.Embedding, error) {
	var emb types.Embedding
	err := p.do(ctx, func(w *PythonWorker) error {
		var err error
		emb, err = w.Embed(img)
		return err
	})
	if err != nil {
		return nil, err
	}
	if emb.Dim() != p.dim {
		return nil, fmt.Errorf("worker returned %d-dim embedding, expected %d", emb.Dim(), p.dim)
	}
	return emb, nil
}

// Classify implements liveness.SpoofClassifier. Any failure other than ctx
// ending is reported as liveness.ErrClassifierUnavailable.
func (p *Pool) Classify(ctx context.Context, img []byte) (liveness.Verdict, error) {
	var v liveness.Verdict
	err := p.do(ctx, func(w *PythonWorker) error {
		var err error
		v, err = w.Classify(img)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return liveness.Verdict{}, ctx.Err()
		}
		return liveness.Verdict{}, fmt.Errorf("%w: %v", liveness.ErrClassifierUnavailable, err)
	}
	return v, nil
}

// do borrows a worker for fn. A worker that fails at the transport level is
// closed and replaced on next use.
func (p *Pool) do(ctx context.Context, fn func(*PythonWorker) error) error {
	var s *slot
	select {
	case s = <-p.slots:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.slots <- s }()

	if s.w == nil {
		w, err := p.spawn(s.id)
		if err != nil {
			return fmt.Errorf("start worker %d: %w", s.id, err)
		}
		s.w = w
	}

	// fn itself knows nothing of ctx, so a done ctx interrupts the worker
	// and the slot gets a fresh process next time.
	w := s.w
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		w.Interrupt()
		close(interrupted)
	})
	err := fn(w)
	if !stop() {
		<-interrupted
		w.Close()
		s.w = nil
		p.logger.Warn("worker interrupted, restarting on next use", "worker", s.id, "error", ctx.Err())
		if err == nil {
			return nil
		}
		return fmt.Errorf("worker %d: %w", s.id, ctx.Err())
	}

	if err != nil && !errors.Is(err, types.ErrUnusableCapture) {
		w.Close()
		s.w = nil
		attrs := []any{"worker", s.id, "error", err}
		if w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
			attrs = append(attrs, "stderr", w.Cmd.Stderr.String())
		}
		p.logger.Error("worker failed, restarting on next use", attrs...)
	}
	return err
}

// Close stops every started worker. It waits for in-flight requests.
func (p *Pool) Close() {
	for i := 0; i < p.size; i++ {
		s := <-p.slots
		if s.w != nil {
			s.w.Close()
			s.w = nil
		}
	}
}
