package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// JobResult is what a worker reports for one image.
type JobResult struct {
	EngineID   string
	Detections []iface.Detection
	// Found is the number of detections before truncation to the pool capacity.
	Found     int
	Truncated bool
	Elapsed   time.Duration
	Err       error
}

type jobPackage struct {
	image  iface.RawImage
	result chan JobResult
}

// Pool feeds images to a fixed set of engines, one goroutine per engine,
// each pinned to its own OS thread.
type Pool struct {
	capacity int
	log      *zap.Logger

	mu     sync.RWMutex
	jobs   chan jobPackage
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts one worker per engine. capacity bounds the detections
// returned per image.
func NewPool(engines []*Engine, capacity int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		capacity: capacity,
		log:      log,
		jobs:     make(chan jobPackage),
	}
	for i, e := range engines {
		p.wg.Add(1)
		go p.runWorker(i, e)
	}
	return p
}

func (p *Pool) runWorker(workerID int, e *Engine) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.log.Info("worker started", zap.Int("worker", workerID), zap.String("engine", e.ID()))
	for job := range p.jobs {
		job.result <- p.safeRun(workerID, e, job.image)
	}
	p.log.Info("worker stopped", zap.Int("worker", workerID))
}

func (p *Pool) safeRun(workerID int, e *Engine, img iface.RawImage) (res JobResult) {
	start := time.Now()
	res.EngineID = e.ID()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", zap.Int("worker", workerID), zap.Any("panic", r))
			res.Err = fmt.Errorf("worker %d panic: %v", workerID, r)
		}
		res.Elapsed = time.Since(start)
	}()

	dets, err := e.DetectAndFetch(img, p.capacity)
	var overflow *iface.DetectionOverflowError
	switch {
	case errors.As(err, &overflow):
		res.Detections = dets
		res.Found = overflow.Found
		res.Truncated = true
	case err != nil:
		res.Err = err
	default:
		res.Detections = dets
		res.Found = len(dets)
	}
	return res
}

// Detect runs img on the next free engine.
func (p *Pool) Detect(ctx context.Context, img iface.RawImage) (JobResult, error) {
	job := jobPackage{image: img, result: make(chan JobResult, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return JobResult{}, ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return JobResult{}, ctx.Err()
	}

	select {
	case res := <-job.result:
		return res, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// Close stops accepting jobs and waits for running ones to finish. Engines
// are left to their Manager.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// Warmup runs one detect on every engine so the first request does not pay
// for lazy initialization.
func Warmup(engines []*Engine, img iface.RawImage, log *zap.Logger) error {
	var err error
	for _, e := range engines {
		start := time.Now()
		if derr := e.Detect(img); derr != nil {
			err = multierr.Append(err, fmt.Errorf("warm up %s: %w", e.ID(), derr))
			continue
		}
		if log != nil {
			log.Info("engine warmed up", zap.String("engine", e.ID()), zap.Duration("elapsed", time.Since(start)))
		}
	}
	return err
}
