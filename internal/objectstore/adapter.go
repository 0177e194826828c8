package objectstore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/carljohnsen/duplicati/internal/bkerr"
	"github.com/carljohnsen/duplicati/internal/rscheck"
)

// FlushHook is invoked on the adapter's single worker goroutine
// immediately before a queued Put's upload begins, so a caller (the
// catalog) can commit a state transition atomically with respect to
// the upload attempt actually starting.
type FlushHook func() error

// Future is returned by Put/Delete; Wait blocks until the operation
// (including any retries) has completed.
type Future struct {
	done chan error
	err  error
	once sync.Once
}

func newFuture() *Future {
	return &Future{done: make(chan error, 1)}
}

func (f *Future) resolve(err error) {
	f.done <- err
	close(f.done)
}

// Wait blocks until the operation completes and returns its error, if
// any. Wait may be called more than once; the same result is returned
// every time.
func (f *Future) Wait() error {
	f.once.Do(func() {
		f.err = <-f.done
	})
	return f.err
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type job struct {
	kind    opKind
	name    string
	data    []byte
	onFlush FlushHook
	future  *Future
}

// Adapter enqueues put/delete operations and executes them in order
// against a single Backend connection, retrying transient failures
// with capped exponential backoff. A put enqueued before a delete is
// guaranteed to complete before that delete is issued.
type Adapter struct {
	backend Backend

	queue chan job
	wg    sync.WaitGroup

	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int

	protector *rscheck.Protector
}

// NewAdapter returns an Adapter wrapping backend. maxRetries is the
// number of retries after the first attempt (so maxRetries=5 means up
// to 6 total attempts); baseDelay and maxDelay bound the exponential
// backoff between attempts.
func NewAdapter(backend Backend, maxRetries int, baseDelay, maxDelay time.Duration) *Adapter {
	a := &Adapter{
		backend:    backend,
		queue:      make(chan job, 256),
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		maxRetries: maxRetries,
	}
	go a.run()
	return a
}

// WithLocalStaging enables Reed-Solomon protection of queued uploads:
// every Put is written through protector before its upload attempt
// starts, and the staged copy is discarded once the upload (including
// retries) completes, successfully or not. A process that crashes
// between those two points leaves a recoverable staged file behind;
// recovering it after a restart is the caller's job (it knows where
// protector stages files and which names were still in flight).
func (a *Adapter) WithLocalStaging(protector *rscheck.Protector) *Adapter {
	a.protector = protector
	return a
}

func (a *Adapter) run() {
	for j := range a.queue {
		j.future.resolve(a.execute(j))
		a.wg.Done()
	}
}

func (a *Adapter) execute(j job) error {
	ctx := context.Background()
	switch j.kind {
	case opPut:
		if a.protector != nil {
			if err := a.protector.Stage(j.name, j.data); err != nil {
				return err
			}
			defer a.protector.Discard(j.name)
		}
		if j.onFlush != nil {
			if err := j.onFlush(); err != nil {
				return err
			}
		}
		return a.retry(j.name, func() error {
			return a.backend.Put(ctx, j.name, bytes.NewReader(j.data), int64(len(j.data)))
		})
	case opDelete:
		return a.retry(j.name, func() error {
			return a.backend.Delete(ctx, j.name)
		})
	default:
		panic("objectstore: unknown job kind")
	}
}

// retry runs f, retrying every failure with capped exponential backoff
// up to a.maxRetries times. An error explicitly classified as
// backend-permanent is never retried.
func (a *Adapter) retry(name string, f func() error) error {
	delay := a.baseDelay
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		lastErr = err
		if bkerr.KindOf(err) == bkerr.KindBackendPermanent {
			return err
		}
		if attempt == a.maxRetries {
			break
		}
		time.Sleep(delay)
		delay *= 2
		if delay > a.maxDelay {
			delay = a.maxDelay
		}
	}
	return bkerr.Wrap(bkerr.KindBackendTransient, lastErr,
		"%s: exceeded %d retries", name, a.maxRetries)
}

// Put enqueues an upload of data under name. onFlush, if non-nil, runs
// on the worker goroutine right before the upload attempt starts.
func (a *Adapter) Put(name string, data []byte, onFlush FlushHook) *Future {
	future := newFuture()
	a.wg.Add(1)
	a.queue <- job{kind: opPut, name: name, data: data, onFlush: onFlush, future: future}
	return future
}

// Delete enqueues removal of name. It will not execute until every Put
// enqueued before it has completed.
func (a *Adapter) Delete(name string) *Future {
	future := newFuture()
	a.wg.Add(1)
	a.queue <- job{kind: opDelete, name: name, future: future}
	return future
}

// Get reads the named object directly, bypassing the ordered queue
// (reads are not subject to the put/delete ordering guarantee and may
// run concurrently with queued writes, matching the underlying
// Backend's own concurrency contract).
func (a *Adapter) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := a.backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// List enumerates objects under prefix directly, bypassing the queue.
func (a *Adapter) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return a.backend.List(ctx, prefix)
}

// WaitForEmpty blocks until every previously enqueued Put/Delete has
// completed. It establishes a happens-before edge between whatever
// enqueued work preceded it and whatever the caller does next (e.g. a
// compact pass deciding what to repack based on current backend state).
func (a *Adapter) WaitForEmpty() {
	a.wg.Wait()
}

// FlushPending waits for the queue to drain and then runs syncCatalog,
// giving the catalog a chance to persist whatever state the drained
// operations' flush hooks already committed in-process.
func (a *Adapter) FlushPending(syncCatalog func() error) error {
	a.WaitForEmpty()
	if syncCatalog == nil {
		return nil
	}
	return syncCatalog()
}

// Close stops accepting new work. It does not wait for in-flight work;
// call WaitForEmpty first if that's required.
func (a *Adapter) Close() {
	close(a.queue)
}
