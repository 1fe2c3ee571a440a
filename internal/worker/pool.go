// Package worker runs CPU-heavy operations (hashing, delta
// computation, compression, archive packing) on a dedicated pool,
// communicated with via request/response messages. Byte slices passed
// into pool methods are owned by the pool until the call returns;
// callers must not retain or mutate them mid-call.
package worker

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/TheMichaelB/vaulthist/internal/archive"
	"github.com/TheMichaelB/vaulthist/internal/checksum"
	"github.com/TheMichaelB/vaulthist/internal/diff"
	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
)

// request is one unit of work submitted to the pool.
type request struct {
	run   func() (interface{}, error)
	reply chan response
}

type response struct {
	value interface{}
	err   error
}

// Pool is a fixed-size worker pool.
type Pool struct {
	requests chan request
	logger   *events.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	compressionLevel int
}

// NewPool creates a pool with n workers.
func NewPool(n int, compressionLevel int, logger *events.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if compressionLevel < gzip.BestSpeed || compressionLevel > gzip.BestCompression {
		compressionLevel = gzip.DefaultCompression
	}
	p := &Pool{
		requests:         make(chan request, n*2),
		logger:           logger.WithField("component", "worker_pool"),
		compressionLevel: compressionLevel,
	}
	p.start(n)
	return p
}

func (p *Pool) start(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.WithField("workers", n).Debug("Worker pool started")
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for req := range p.requests {
		value, err := req.run()
		req.reply <- response{value: value, err: err}
	}
}

// Close terminates the pool. In-flight requests finish; later calls
// fail with WORKER_UNAVAILABLE.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.requests)
	p.mu.Unlock()
	p.wg.Wait()
}

// do submits work and waits for its response or context cancellation.
func (p *Pool) do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	p.mu.Lock()
	if p.closed || !p.started {
		p.mu.Unlock()
		return nil, &models.HistoryError{
			Code: models.ErrCodeWorkerUnavailable,
			Op:   "worker submit",
			Err:  models.ErrWorkerUnavailable,
		}
	}
	p.mu.Unlock()

	req := request{run: fn, reply: make(chan response, 1)}

	select {
	case p.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.value, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Hash computes the content-addressing digest of data.
func (p *Pool) Hash(ctx context.Context, data []byte) (string, error) {
	v, err := p.do(ctx, func() (interface{}, error) {
		return checksum.Sum(data), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ComputeDelta builds a line delta turning base into target.
func (p *Pool) ComputeDelta(ctx context.Context, base, target []byte) (*diff.Delta, error) {
	v, err := p.do(ctx, func() (interface{}, error) {
		return diff.Compute(base, target), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*diff.Delta), nil
}

// ApplyDelta replays an encoded delta over base content.
func (p *Pool) ApplyDelta(ctx context.Context, base, encoded []byte) ([]byte, error) {
	v, err := p.do(ctx, func() (interface{}, error) {
		d, err := diff.Decode(encoded)
		if err != nil {
			return nil, err
		}
		return d.Apply(base)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Compress gzips data at the configured level.
func (p *Pool) Compress(ctx context.Context, data []byte) ([]byte, error) {
	v, err := p.do(ctx, func() (interface{}, error) {
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, p.compressionLevel)
		if err != nil {
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("finalize compression: %w", err)
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Decompress reverses Compress.
func (p *Pool) Decompress(ctx context.Context, data []byte) ([]byte, error) {
	v, err := p.do(ctx, func() (interface{}, error) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Pack serializes a branch export into archive bytes.
func (p *Pool) Pack(ctx context.Context, ex *archive.Export, limits archive.Limits) ([]byte, error) {
	v, err := p.do(ctx, func() (interface{}, error) {
		return archive.Pack(ex, limits)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Unpack parses archive bytes into a branch export.
func (p *Pool) Unpack(ctx context.Context, data []byte, limits archive.Limits) (*archive.Export, error) {
	v, err := p.do(ctx, func() (interface{}, error) {
		return archive.Unpack(data, limits)
	})
	if err != nil {
		return nil, err
	}
	return v.(*archive.Export), nil
}
