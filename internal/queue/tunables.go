package queue

import (
	"fmt"
	"strings"
	"time"
)

// Base defaults of the queue runner before any multiplier is applied.
const (
	DefaultBatchSize         = 25
	DefaultConcurrentBatches = 5
	DefaultTimeoutPeriod     = 5 * time.Minute
	DefaultFailurePeriod     = 5 * time.Minute
	DefaultTimeLimit         = 30 * time.Second
	DefaultMaxInFlight       = 10000

	MaxBatchSize         = 10000
	MaxConcurrentBatches = 256
	MaxMultiplier        = 100
	MaxPeriod            = 30 * 24 * time.Hour
)

// High-volume profile: bigger batches, more concurrent runners and a longer
// claim timeout to match them, with a 120s runner wall clock.
//
// Hosts with a shorter request ceiling (e.g. 60s) should override TimeLimit.
const (
	ProfileDefault    = "default"
	ProfileHighVolume = "high-volume"

	HighVolumeBatchMultiplier       = 4
	HighVolumeConcurrencyMultiplier = 2
	HighVolumeTimeoutMultiplier     = 3
	HighVolumeTimeLimit             = 120 * time.Second
)

// Tunables are the knobs of one queue. Zero fields take defaults in Resolve.
//
// Multipliers scale the base values; a zero multiplier means "profile default"
// (1 for the default profile). TimeLimit is absolute and is never multiplied.
type Tunables struct {
	Profile string

	BatchSize         int
	ConcurrentBatches int
	TimeoutPeriod     time.Duration
	FailurePeriod     time.Duration
	TimeLimit         time.Duration

	BatchMultiplier       int
	ConcurrencyMultiplier int
	TimeoutMultiplier     int
	FailureMultiplier     int

	// MaxAttempts > 0 fails (instead of re-queues) jobs whose claim expired
	// after that many started executions.
	MaxAttempts int

	// MaxInFlight bounds BatchSize*ConcurrentBatches, i.e. the number of jobs
	// that may be claimed at once across all runners.
	MaxInFlight int

	// Group restricts claiming to one job group. Empty claims from all groups.
	Group string
}

// Resolved are effective values after defaults, profile and multipliers.
type Resolved struct {
	BatchSize         int
	ConcurrentBatches int
	TimeoutPeriod     time.Duration
	FailurePeriod     time.Duration
	TimeLimit         time.Duration
	MaxAttempts       int
	Group             string
}

// SlotTTL is the runner slot lease length: the runner's own budget plus the
// grace given to a job that started right before the budget ran out. Running
// holders renew it, so it only bounds how long a crashed holder blocks a slot.
func (r Resolved) SlotTTL() time.Duration { return r.TimeLimit + r.FailurePeriod }

func (t Tunables) Resolve() (Resolved, error) {
	profile := strings.ToLower(strings.TrimSpace(t.Profile))
	bm, cm, tm, fm := 1, 1, 1, 1
	timeLimit := DefaultTimeLimit
	switch profile {
	case "", ProfileDefault:
	case ProfileHighVolume:
		bm = HighVolumeBatchMultiplier
		cm = HighVolumeConcurrencyMultiplier
		tm = HighVolumeTimeoutMultiplier
		fm = HighVolumeTimeoutMultiplier
		timeLimit = HighVolumeTimeLimit
	default:
		return Resolved{}, fmt.Errorf("unknown queue profile %q", t.Profile)
	}

	var err error
	if bm, err = multiplier("batch_multiplier", t.BatchMultiplier, bm); err != nil {
		return Resolved{}, err
	}
	if cm, err = multiplier("concurrency_multiplier", t.ConcurrencyMultiplier, cm); err != nil {
		return Resolved{}, err
	}
	if tm, err = multiplier("timeout_multiplier", t.TimeoutMultiplier, tm); err != nil {
		return Resolved{}, err
	}
	if fm, err = multiplier("failure_multiplier", t.FailureMultiplier, fm); err != nil {
		return Resolved{}, err
	}

	batch := t.BatchSize
	if batch == 0 {
		batch = DefaultBatchSize
	}
	conc := t.ConcurrentBatches
	if conc == 0 {
		conc = DefaultConcurrentBatches
	}
	timeout := t.TimeoutPeriod
	if timeout == 0 {
		timeout = DefaultTimeoutPeriod
	}
	failure := t.FailurePeriod
	if failure == 0 {
		failure = DefaultFailurePeriod
	}
	if t.TimeLimit != 0 {
		timeLimit = t.TimeLimit
	}
	if batch < 0 || conc < 0 || timeout < 0 || failure < 0 || timeLimit < 0 {
		return Resolved{}, fmt.Errorf("queue tunables must not be negative")
	}
	// Bound the inputs so the products below cannot overflow.
	switch {
	case batch > MaxBatchSize:
		return Resolved{}, fmt.Errorf("batch_size %d out of range 1..%d", batch, MaxBatchSize)
	case conc > MaxConcurrentBatches:
		return Resolved{}, fmt.Errorf("concurrent_batches %d out of range 1..%d", conc, MaxConcurrentBatches)
	case timeout > MaxPeriod:
		return Resolved{}, fmt.Errorf("timeout_period %s exceeds %s", timeout, MaxPeriod)
	case failure > MaxPeriod:
		return Resolved{}, fmt.Errorf("failure_period %s exceeds %s", failure, MaxPeriod)
	case timeLimit > MaxPeriod:
		return Resolved{}, fmt.Errorf("time_limit %s exceeds %s", timeLimit, MaxPeriod)
	}

	r := Resolved{
		BatchSize:         batch * bm,
		ConcurrentBatches: conc * cm,
		TimeoutPeriod:     timeout * time.Duration(tm),
		FailurePeriod:     failure * time.Duration(fm),
		TimeLimit:         timeLimit,
		MaxAttempts:       t.MaxAttempts,
		Group:             strings.TrimSpace(t.Group),
	}

	maxInFlight := t.MaxInFlight
	if maxInFlight == 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if err := r.validate(maxInFlight); err != nil {
		return Resolved{}, err
	}
	return r, nil
}

func (r Resolved) validate(maxInFlight int) error {
	switch {
	case r.BatchSize <= 0 || r.BatchSize > MaxBatchSize:
		return fmt.Errorf("batch_size %d out of range 1..%d", r.BatchSize, MaxBatchSize)
	case r.ConcurrentBatches <= 0 || r.ConcurrentBatches > MaxConcurrentBatches:
		return fmt.Errorf("concurrent_batches %d out of range 1..%d", r.ConcurrentBatches, MaxConcurrentBatches)
	case r.TimeLimit < time.Second:
		return fmt.Errorf("time_limit %s must be >= 1s", r.TimeLimit)
	case r.TimeoutPeriod < time.Second:
		return fmt.Errorf("timeout_period %s must be >= 1s", r.TimeoutPeriod)
	case r.TimeoutPeriod < r.TimeLimit:
		// A claim must outlive the runner that holds it.
		return fmt.Errorf("timeout_period %s must be >= time_limit %s", r.TimeoutPeriod, r.TimeLimit)
	case r.MaxAttempts < 0:
		return fmt.Errorf("max_attempts must be >= 0")
	}
	if maxInFlight > 0 && r.BatchSize*r.ConcurrentBatches > maxInFlight {
		return fmt.Errorf("batch_size*concurrent_batches = %d exceeds max_in_flight %d",
			r.BatchSize*r.ConcurrentBatches, maxInFlight)
	}
	return nil
}

func multiplier(name string, v, def int) (int, error) {
	if v < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	if v > MaxMultiplier {
		return 0, fmt.Errorf("%s %d exceeds %d", name, v, MaxMultiplier)
	}
	if v == 0 {
		return def, nil
	}
	return v, nil
}
