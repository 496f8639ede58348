package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"raffle/internal/metrics"
	"raffle/internal/models"
	"raffle/internal/store"

	"github.com/google/logger"
)

// FailurePolicy decides what the allocator does when the counter store fails.
type FailurePolicy string

const (
	// FailurePolicyDegrade hands out a random number of the right parity and
	// reports it as degraded. Such numbers are not reserved and may collide.
	FailurePolicyDegrade FailurePolicy = "degrade"
	// FailurePolicyFail returns the store error to the caller.
	FailurePolicyFail FailurePolicy = "fail"
)

// ReferencePlaceholder is returned by CreateReference when the manager runs
// without access to the counter store.
const ReferencePlaceholder = "JM-----"

// ErrAllocationFailed wraps store failures under FailurePolicyFail.
var ErrAllocationFailed = errors.New("reference allocation failed")

// MaxPeekCount bounds how many references PeekNext formats in one call.
const MaxPeekCount = 50

// ErrPeekCount is returned by PeekNext for a count above MaxPeekCount.
var ErrPeekCount = fmt.Errorf("peek count must be between 1 and %d", MaxPeekCount)

const counterField = "count"

// AllocatorOptions configures a RaffleManager.
type AllocatorOptions struct {
	FailurePolicy FailurePolicy
	// Interactive is false for processes that only render previews and must
	// never touch the counter store.
	Interactive bool
	// RandomMax bounds the base value of fallback numbers.
	RandomMax int64
	Rand      *rand.Rand
	Metrics   *metrics.Metrics
}

// RaffleManager hands out sequential raffle reference numbers per mode. All
// state lives in the counter documents of the injected store.
type RaffleManager struct {
	store       store.Store
	policy      FailurePolicy
	interactive bool
	randomMax   int64
	metrics     *metrics.Metrics

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewRaffleManager creates a manager over s.
func NewRaffleManager(s store.Store, opts AllocatorOptions) *RaffleManager {
	m := &RaffleManager{
		store:       s,
		policy:      opts.FailurePolicy,
		interactive: opts.Interactive,
		randomMax:   opts.RandomMax,
		metrics:     opts.Metrics,
		rnd:         opts.Rand,
	}
	if m.policy == "" {
		m.policy = FailurePolicyDegrade
	}
	if m.randomMax <= 0 {
		m.randomMax = 1000000
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

func counterRef(spec models.ModeSpec) store.DocRef {
	return store.DocRef{Collection: models.CounterCollection, ID: spec.CounterID}
}

// Allocate reads the counter of mode and returns the next count numbers
// together with the played count seen before them. Unless peek is set the
// counter is advanced in the same transaction, so committing callers never
// receive overlapping numbers.
func (m *RaffleManager) Allocate(ctx context.Context, mode models.Mode, peek bool, count int) (models.Allocation, error) {
	spec, err := mode.Spec()
	if err != nil {
		return models.Allocation{}, err
	}
	if count < 1 {
		count = 1
	}
	if !m.interactive {
		return placeholderAllocation(count), nil
	}

	ref := counterRef(spec)
	var result models.Allocation
	err = m.store.RunTransaction(ctx, []store.DocRef{ref}, func(tx store.Tx) error {
		doc, _, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current := spec.Start
		if _, present := doc[counterField]; present {
			n, ok := doc.Int64(counterField)
			if !ok {
				return fmt.Errorf("counter %s holds non-integer %v", ref, doc[counterField])
			}
			current = n
		}

		result = models.Allocation{
			Numbers:     spec.Sequence(current, count),
			PlayedCount: spec.PlayedCount(current),
		}
		if peek {
			return nil
		}
		return tx.Set(ref, store.Document{counterField: spec.Advance(current, count)}, true)
	})
	if err != nil {
		if m.policy == FailurePolicyFail {
			return models.Allocation{}, fmt.Errorf("%w: %s: %w", ErrAllocationFailed, mode, err)
		}
		logger.Warningf("allocator: %s counter unavailable, serving random fallback: %v", mode, err)
		m.metrics.Fallbacks.WithLabelValues(string(mode)).Inc()
		return m.fallback(spec, count), nil
	}

	if peek {
		m.metrics.Peeks.WithLabelValues(string(mode)).Inc()
	} else {
		m.metrics.Allocations.WithLabelValues(string(mode)).Add(float64(count))
	}
	return result, nil
}

// fallback keeps the parity of the mode but guarantees nothing about uniqueness.
func (m *RaffleManager) fallback(spec models.ModeSpec, count int) models.Allocation {
	m.randMu.Lock()
	base := m.rnd.Int63n(m.randomMax)
	m.randMu.Unlock()
	return models.Allocation{
		Numbers:  spec.Sequence(spec.Start+base*spec.Step, count),
		Degraded: true,
	}
}

func placeholderAllocation(count int) models.Allocation {
	numbers := make([]int64, count)
	for i := range numbers {
		numbers[i] = int64(i + 1)
	}
	return models.Allocation{Numbers: numbers, Placeholder: true}
}

// CreateReference allocates one number and formats it with the mode prefix.
// A manual activation only previews the number and never consumes it.
func (m *RaffleManager) CreateReference(ctx context.Context, mode models.Mode, peek, isManualActivation bool) (string, error) {
	if !m.interactive {
		return ReferencePlaceholder, nil
	}
	spec, err := mode.Spec()
	if err != nil {
		return "", err
	}
	alloc, err := m.Allocate(ctx, mode, peek || isManualActivation, 1)
	if err != nil {
		return "", err
	}
	return spec.FormatReference(alloc.Numbers[0]), nil
}

// PeekNext formats the next count references of mode without reserving them.
func (m *RaffleManager) PeekNext(ctx context.Context, mode models.Mode, count int) (models.Preview, error) {
	if count > MaxPeekCount {
		return models.Preview{}, ErrPeekCount
	}
	spec, err := mode.Spec()
	if err != nil {
		return models.Preview{}, err
	}
	alloc, err := m.Allocate(ctx, mode, true, count)
	if err != nil {
		return models.Preview{}, err
	}
	refs := make([]string, len(alloc.Numbers))
	for i, n := range alloc.Numbers {
		refs[i] = spec.FormatReference(n)
	}
	return models.Preview{Refs: refs, Count: alloc.PlayedCount}, nil
}

// Reset puts every mode counter back to its start value. The three documents
// are written in one transaction so the reset cannot interleave with an
// allocation. Errors are returned, never replaced by a fallback.
func (m *RaffleManager) Reset(ctx context.Context) error {
	if !m.interactive {
		return nil
	}
	modes := models.Modes()
	refs := make([]store.DocRef, 0, len(modes))
	specs := make([]models.ModeSpec, 0, len(modes))
	for _, mode := range modes {
		spec, err := mode.Spec()
		if err != nil {
			return err
		}
		specs = append(specs, spec)
		refs = append(refs, counterRef(spec))
	}

	err := m.store.RunTransaction(ctx, refs, func(tx store.Tx) error {
		for _, spec := range specs {
			if err := tx.Set(counterRef(spec), store.Document{counterField: spec.Start}, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset raffle counters: %w", err)
	}
	m.metrics.Resets.Inc()
	logger.Infof("allocator: counters reset to start values")
	return nil
}
