// Package sampler polls a probe function on a fixed interval under a total
// time budget. Sequences are pull-based: callers read one observation per
// Next call and decide themselves when the state they saw is good enough.
package sampler

import (
	"context"
	"time"

	utilerrors "github.com/RedHatQE/openshift-go-utilities/pkg/lib/errors"
)

// ProbeFunc fetches a single observation of remote state.
type ProbeFunc[T any] func(ctx context.Context) (T, error)

// Sampler holds the timing configuration for probing remote state. It keeps
// no sequence state itself: every Run starts from a fresh clock.
type Sampler[T any] struct {
	interval time.Duration
	timeout  time.Duration
	probe    ProbeFunc[T]
	cfg      *config
}

// New returns a sampler that runs probe every interval for at most timeout.
// A zero timeout means exactly one probe attempt.
func New[T any](interval, timeout time.Duration, probe ProbeFunc[T], options ...Option) (*Sampler[T], error) {
	cfg := defaultConfig()
	cfg.apply(options)

	if probe == nil {
		return nil, utilerrors.NewConfigError("sampler %q: nil probe", cfg.name)
	}
	if interval <= 0 {
		return nil, utilerrors.NewConfigError("sampler %q: interval must be positive, got %s", cfg.name, interval)
	}
	if timeout < 0 {
		return nil, utilerrors.NewConfigError("sampler %q: timeout must not be negative, got %s", cfg.name, timeout)
	}

	return &Sampler[T]{
		interval: interval,
		timeout:  timeout,
		probe:    probe,
		cfg:      cfg,
	}, nil
}

// Run starts a new sampling sequence. The first probe fires immediately;
// later probes are separated by the configured interval.
func (s *Sampler[T]) Run(ctx context.Context) *Iterator[T] {
	return &Iterator[T]{
		sampler: s,
		ctx:     ctx,
		start:   time.Now(),
	}
}

// Poll runs a sequence until the predicate accepts a sampled value and
// returns that value. A nil predicate accepts the first value the probe
// produces. On failure the zero value is returned along with the error that
// ended the sequence.
func (s *Sampler[T]) Poll(ctx context.Context, until func(T) bool) (T, error) {
	it := s.Run(ctx)
	for it.Next() {
		if until == nil || until(it.Value()) {
			return it.Value(), nil
		}
	}

	var zero T
	return zero, it.Err()
}

// Iterator is one sampling sequence. Next yields one observation at a time
// and reports false once the budget is spent, the context ends, or the probe
// fails with an error the sampler does not tolerate.
type Iterator[T any] struct {
	sampler  *Sampler[T]
	ctx      context.Context
	start    time.Time
	started  bool
	done     bool
	attempts int
	value    T
	last     any
	err      error
}

// Next advances the sequence to its next observation. When it returns false,
// Err reports why the sequence ended.
func (it *Iterator[T]) Next() bool {
	if it.done {
		return false
	}

	for {
		if err := it.ctx.Err(); err != nil {
			return it.stop(utilerrors.NewCancelledError(it.sampler.cfg.name, err))
		}
		if it.started {
			if elapsed := time.Since(it.start); elapsed >= it.sampler.timeout {
				return it.stop(utilerrors.NewTimeoutError(it.sampler.cfg.name, it.sampler.timeout, it.attempts, it.last))
			}
			if !it.sleep() {
				return false
			}
		}
		it.started = true

		value, err := it.sampler.probe(it.ctx)
		it.attempts++
		if err == nil {
			it.value = value
			it.last = value
			return true
		}
		if tolerate := it.sampler.cfg.tolerate; tolerate != nil && tolerate(err) {
			it.sampler.cfg.logger.WithError(err).Debugf("%s: tolerated probe error", it.sampler.cfg.name)
			it.last = err
			continue
		}
		return it.stop(err)
	}
}

// Value returns the observation yielded by the last successful Next call.
func (it *Iterator[T]) Value() T {
	return it.value
}

// Err returns the error that ended the sequence. It is nil while the
// sequence is live and nil forever if the caller simply stopped iterating.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Attempts returns the number of probe calls made so far.
func (it *Iterator[T]) Attempts() int {
	return it.attempts
}

func (it *Iterator[T]) sleep() bool {
	timer := time.NewTimer(it.sampler.interval)
	defer timer.Stop()

	select {
	case <-it.ctx.Done():
		it.stop(utilerrors.NewCancelledError(it.sampler.cfg.name, it.ctx.Err()))
		return false
	case <-timer.C:
		return true
	}
}

func (it *Iterator[T]) stop(err error) bool {
	it.done = true
	it.err = err
	return false
}
