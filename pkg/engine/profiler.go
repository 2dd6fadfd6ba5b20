package engine

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CostEstimate is the predicted cost of a batch.
type CostEstimate struct {
	// Total is the sum of the per-rule predictions, in seconds.
	Total float64

	// PerRule holds the prediction used for each rule, in seconds.
	PerRule map[RuleID]float64

	// Profiled is the number of rules with usable history.
	Profiled int
}

// Cold reports whether no rule in the estimate had history.
func (c CostEstimate) Cold() bool {
	return c.Profiled == 0
}

// TotalDuration returns Total as a duration.
func (c CostEstimate) TotalDuration() time.Duration {
	return secondsToDuration(c.Total)
}

// Profiler predicts rule durations from the profile store and feeds actual
// durations back into it.
type Profiler struct {
	store           ProfileStore
	window          int
	defaultEstimate float64
	logger          zerolog.Logger
}

// NewProfiler creates a profiler over store. A nil store is replaced by an empty memory store.
func NewProfiler(store ProfileStore, cfg Config, logger zerolog.Logger) *Profiler {
	cfg = cfg.withDefaults()
	if store == nil {
		store = NewMemoryProfileStore()
	}
	return &Profiler{
		store:           store,
		window:          cfg.ProfileWindow,
		defaultEstimate: cfg.DefaultRuleEstimate.Seconds(),
		logger:          logger.With().Str("component", "profiler").Logger(),
	}
}

// Store returns the underlying profile store.
func (p *Profiler) Store() ProfileStore {
	return p.store
}

// Profile returns the execution profile of one rule. ok is false when the
// rule has no usable history.
func (p *Profiler) Profile(ctx context.Context, id RuleID) (RuleExecutionProfile, bool, error) {
	samples, err := p.store.LoadProfiles(ctx, []RuleID{id})
	if err != nil {
		return RuleExecutionProfile{}, false, NewProfileStoreError("failed to load profile", err).WithRule(id)
	}
	history := cleanSamples(samples[id])
	if len(history) == 0 {
		return RuleExecutionProfile{RuleID: id}, false, nil
	}
	return RuleExecutionProfile{
		RuleID:              id,
		HistoricalDurations: history,
		PredictedDuration:   windowMean(history, p.window),
	}, true, nil
}

// PredictBatchCost predicts the cost of running ids. Rules without history
// are estimated at the mean prediction of the profiled rules in the batch, or
// at the default estimate when nothing is profiled. An unreadable store is
// logged and treated as empty.
func (p *Profiler) PredictBatchCost(ctx context.Context, ids []RuleID) CostEstimate {
	samples, err := p.store.LoadProfiles(ctx, ids)
	if err != nil {
		perr := NewProfileStoreError("profile store unreadable, using cold-start estimates", err)
		p.logger.Warn().Err(perr).Int("rules", len(ids)).Msg("Profile load failed")
		samples = nil
	}

	est := CostEstimate{PerRule: make(map[RuleID]float64, len(ids))}
	unprofiled := make([]RuleID, 0)
	var profiledSum float64

	for _, id := range ids {
		history := cleanSamples(samples[id])
		if len(history) == 0 {
			unprofiled = append(unprofiled, id)
			continue
		}
		pred := windowMean(history, p.window)
		est.PerRule[id] = pred
		est.Profiled++
		profiledSum += pred
	}

	fallback := p.defaultEstimate
	if est.Profiled > 0 {
		fallback = profiledSum / float64(est.Profiled)
	}
	for _, id := range unprofiled {
		est.PerRule[id] = fallback
	}

	for _, id := range ids {
		est.Total += est.PerRule[id]
	}
	return est
}

// Record appends actual durations, in seconds, to the store. Failures are logged only.
func (p *Profiler) Record(ctx context.Context, runID string, durations map[RuleID]float64) {
	if len(durations) == 0 {
		return
	}
	if err := p.store.AppendDurations(ctx, runID, durations); err != nil {
		perr := NewProfileStoreError("failed to append rule durations", err)
		p.logger.Warn().Err(perr).Int("rules", len(durations)).Msg("Profile update failed")
	}
}

// cleanSamples drops samples that cannot be real durations.
func cleanSamples(samples []float64) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

// windowMean returns the mean of the last window samples.
func windowMean(samples []float64, window int) float64 {
	if len(samples) == 0 {
		return 0
	}
	if window > 0 && len(samples) > window {
		samples = samples[len(samples)-window:]
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// MemoryProfileStore is an in-process ProfileStore.
type MemoryProfileStore struct {
	mu      sync.RWMutex
	samples map[RuleID][]float64
}

// NewMemoryProfileStore creates an empty in-memory profile store.
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		samples: make(map[RuleID][]float64),
	}
}

// LoadProfiles implements ProfileStore.
func (s *MemoryProfileStore) LoadProfiles(ctx context.Context, ids []RuleID) (map[RuleID][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[RuleID][]float64, len(ids))
	for _, id := range ids {
		if hist, ok := s.samples[id]; ok && len(hist) > 0 {
			out[id] = append([]float64(nil), hist...)
		}
	}
	return out, nil
}

// AppendDurations implements ProfileStore.
func (s *MemoryProfileStore) AppendDurations(ctx context.Context, _ string, durations map[RuleID]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, d := range durations {
		s.samples[id] = append(s.samples[id], d)
	}
	return nil
}

// RuleIDs returns the rules with history, in lexical order.
func (s *MemoryProfileStore) RuleIDs() []RuleID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]RuleID, 0, len(s.samples))
	for id := range s.samples {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset removes all history.
func (s *MemoryProfileStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = make(map[RuleID][]float64)
}
