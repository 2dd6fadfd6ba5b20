package engine

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChooseWorkerCount picks the worker count for a batch.
//
// The result lies in [1, min(maxWorkers, batchSize)]. With a positive
// predicted cost it is ceil(cost / minWorkPerWorker), clamped to that range;
// with no usable prediction it is the upper bound. For fixed cost and
// maxWorkers the result never decreases as batchSize grows.
func ChooseWorkerCount(predictedCost time.Duration, batchSize, maxWorkers int, minWorkPerWorker time.Duration) int {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	upper := minInt(maxWorkers, batchSize)

	if predictedCost <= 0 || minWorkPerWorker <= 0 {
		return upper
	}

	want := int(math.Ceil(float64(predictedCost) / float64(minWorkPerWorker)))
	if want < 1 {
		want = 1
	}
	if want > upper {
		want = upper
	}
	return want
}

// AdaptiveExecutor chooses a worker count per batch from profiled rule
// durations and balances load at runtime by work stealing.
type AdaptiveExecutor struct {
	registry *Registry
	profiler *Profiler
	cfg      Config
	logger   zerolog.Logger
}

// NewAdaptiveExecutor creates an adaptive executor.
func NewAdaptiveExecutor(registry *Registry, profiler *Profiler, cfg Config, logger zerolog.Logger) *AdaptiveExecutor {
	cfg = cfg.withDefaults()
	if profiler == nil {
		profiler = NewProfiler(nil, cfg, logger)
	}
	return &AdaptiveExecutor{
		registry: registry,
		profiler: profiler,
		cfg:      cfg,
		logger:   logger.With().Str("component", "adaptive-executor").Logger(),
	}
}

// Mode implements BatchExecutor.
func (a *AdaptiveExecutor) Mode() ExecutionMode {
	return ModeAdaptive
}

// Profiler returns the profiler feeding this executor.
func (a *AdaptiveExecutor) Profiler() *Profiler {
	return a.profiler
}

// ExecuteBatch implements BatchExecutor.
func (a *AdaptiveExecutor) ExecuteBatch(ctx context.Context, batch BatchDefinition, ec *ExecutionContext) BatchOutcome {
	return a.run(ctx, batch, ec, nil)
}

func (a *AdaptiveExecutor) run(ctx context.Context, batch BatchDefinition, ec *ExecutionContext, onResult resultHook) BatchOutcome {
	lifecycle := NewBatchLifecycle()
	stats := newBatchStats(batch)
	n := len(batch.RuleIDs)

	estimate := a.profiler.PredictBatchCost(ctx, batch.RuleIDs)
	workerCount := ChooseWorkerCount(estimate.TotalDuration(), n, a.cfg.MaxWorkers, a.cfg.MinWorkPerWorker)

	lifecycle.mustTransition(BatchStateDispatching)
	sched := newStealScheduler(batch.RuleIDs, estimate.PerRule, workerCount)
	sched.onDrained = func() { lifecycle.mustTransition(BatchStateDraining) }
	predicted := sched.makespan()

	collector := newOutcomeCollector(n, workerCount, onResult)
	lifecycle.mustTransition(BatchStateRunning)

	if n <= 1 {
		for {
			id, _, ok := sched.next(0)
			if !ok {
				break
			}
			collector.add(invokeRule(ctx, a.registry, id, ec, 0))
		}
	} else {
		outcomes := make(chan ruleOutcome, n)
		var wg sync.WaitGroup

		for i := 0; i < workerCount; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for {
					id, _, ok := sched.next(worker)
					if !ok {
						return
					}
					outcomes <- invokeRule(ctx, a.registry, id, ec, worker)
				}
			}(i)
		}

		go func() {
			wg.Wait()
			close(outcomes)
		}()

		for o := range outcomes {
			collector.add(o)
		}
	}

	if lifecycle.State() == BatchStateRunning {
		// Empty batch: nothing was ever dequeued.
		lifecycle.mustTransition(BatchStateDraining)
	}

	durations := make(map[RuleID]float64, len(collector.results))
	for _, r := range collector.results {
		durations[r.RuleID] = r.Duration.Seconds()
	}
	runID := ""
	if ec != nil {
		runID = ec.RunID
	}
	lifecycle.OnEnter(BatchStateComplete, func() {
		a.profiler.Record(ctx, runID, durations)
	})
	lifecycle.mustTransition(BatchStateComplete)

	stats.WorkersUsed = workerCount
	collector.finalize(&stats, time.Now())
	stats.WorkStolenCount = sched.steals()
	stats.PredictedDuration = predicted
	stats.ColdStart = estimate.Cold()
	stats.PredictionError = predictionError(stats.Duration, predicted, stats.ColdStart)
	stats.State = lifecycle.State()

	a.logger.Debug().
		Int("batch_id", batch.BatchID).
		Int("rules", n).
		Int("workers", workerCount).
		Int("steals", stats.WorkStolenCount).
		Float64("predicted_s", predicted).
		Dur("duration", stats.Duration).
		Bool("cold_start", stats.ColdStart).
		Msg("Batch complete")

	return BatchOutcome{Results: collector.results, Stats: stats}
}

// predictionError returns |actual - predicted| / actual. A batch with no
// history has no meaningful prediction and reports the maximal error of 1.
func predictionError(actual time.Duration, predicted float64, cold bool) float64 {
	if cold {
		return 1
	}
	a := actual.Seconds()
	if a <= 0 {
		return 0
	}
	return math.Abs(a-predicted) / a
}

// stealScheduler hands out the rules of one batch.
//
// Rules are pre-assigned to per-worker deques, longest predicted first, each
// to the least loaded worker. An owner takes from the front of its own deque.
// A worker whose deque is empty steals from the back of the deque of the
// started worker with the most remaining predicted work. A worker that has
// not started is never robbed, so a batch with no more rules than workers
// sees no steals.
type stealScheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	queues    [][]RuleID
	remaining []float64
	started   []bool
	cost      map[RuleID]float64
	assigned  []float64
	pending   int
	stolen    int
	onDrained func()
}

func newStealScheduler(ids []RuleID, cost map[RuleID]float64, workers int) *stealScheduler {
	if workers < 1 {
		workers = 1
	}
	s := &stealScheduler{
		queues:    make([][]RuleID, workers),
		remaining: make([]float64, workers),
		started:   make([]bool, workers),
		cost:      cost,
		assigned:  make([]float64, workers),
		pending:   len(ids),
	}
	s.cond = sync.NewCond(&s.mu)

	order := append([]RuleID(nil), ids...)
	sort.SliceStable(order, func(i, j int) bool {
		ci, cj := cost[order[i]], cost[order[j]]
		if ci != cj {
			return ci > cj
		}
		return order[i] < order[j]
	})

	for _, id := range order {
		w := 0
		for i := 1; i < workers; i++ {
			if s.assigned[i] < s.assigned[w] ||
				(s.assigned[i] == s.assigned[w] && len(s.queues[i]) < len(s.queues[w])) {
				w = i
			}
		}
		s.queues[w] = append(s.queues[w], id)
		s.assigned[w] += cost[id]
		s.remaining[w] += cost[id]
	}
	return s
}

// makespan returns the predicted completion time of the pre-assignment, in seconds.
func (s *stealScheduler) makespan() float64 {
	var m float64
	for _, a := range s.assigned {
		if a > m {
			m = a
		}
	}
	return m
}

// next returns the next rule for worker. ok is false once no rule is left for it.
func (s *stealScheduler) next(worker int) (id RuleID, stolen bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if q := s.queues[worker]; len(q) > 0 {
			id = q[0]
			s.queues[worker] = q[1:]
			s.remaining[worker] -= s.cost[id]
			s.take(worker)
			return id, false, true
		}

		if victim := s.victim(worker); victim >= 0 {
			q := s.queues[victim]
			id = q[len(q)-1]
			s.queues[victim] = q[:len(q)-1]
			s.remaining[victim] -= s.cost[id]
			s.stolen++
			s.take(worker)
			return id, true, true
		}

		if s.pending == 0 {
			return "", false, false
		}
		// Work remains with workers that have not started yet.
		s.cond.Wait()
	}
}

// take records a dequeue. Callers hold s.mu.
func (s *stealScheduler) take(worker int) {
	s.started[worker] = true
	s.pending--
	if s.pending == 0 && s.onDrained != nil {
		s.onDrained()
	}
	s.cond.Broadcast()
}

// victim returns the started worker with the most remaining predicted work
// and a non-empty deque, or -1. Callers hold s.mu.
func (s *stealScheduler) victim(thief int) int {
	best := -1
	for i := range s.queues {
		if i == thief || !s.started[i] || len(s.queues[i]) == 0 {
			continue
		}
		if best < 0 || s.remaining[i] > s.remaining[best] ||
			(s.remaining[i] == s.remaining[best] && len(s.queues[i]) > len(s.queues[best])) {
			best = i
		}
	}
	return best
}

func (s *stealScheduler) steals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stolen
}
