// Package runner fans an experiment's repetitions out across a bounded
// number of concurrent conversations: admission control via a counting
// semaphore, a small per-vendor cap alongside it, a stagger between
// successive launches, and cooperative cancellation on daemon stop.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tensegrity-ai/pidgin/internal/awareness"
	"github.com/tensegrity-ai/pidgin/internal/conductor"
	"github.com/tensegrity-ai/pidgin/internal/contextmgr"
	"github.com/tensegrity-ai/pidgin/internal/convergence"
	"github.com/tensegrity-ai/pidgin/internal/credentials"
	"github.com/tensegrity-ai/pidgin/internal/eventbus"
	"github.com/tensegrity-ai/pidgin/internal/metrics"
	"github.com/tensegrity-ai/pidgin/internal/provider"
	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// defaultMaxParallel matches the config layer's own default for
// max_parallel, applied again here in case a caller builds Params
// without going through internal/config.Load.
const defaultMaxParallel = 1

// perVendorCap bounds concurrent in-flight connections to a single
// vendor regardless of max_parallel, per spec's "small constant per
// vendor, e.g. 2-3" admission note.
const perVendorCap = 3

// stagger is the fixed pause between successive conversation launches,
// avoiding a thundering herd of simultaneous connection opens.
const stagger = 2 * time.Second

// ManifestUpdater is the subset of *internal/manifest.Writer the runner
// needs: one slot per conversation, updated by the event bus, plus the
// experiment-level start/end bookkeeping.
type ManifestUpdater interface {
	eventbus.ManifestUpdater
	MarkExperimentStarted(at time.Time) error
	MarkExperimentEnded(at time.Time, status models.ExperimentStatus) error
}

// Params is everything Run needs to fan out one experiment.
type Params struct {
	ExperimentID string
	Config       models.ExperimentConfig

	// OutputDir is the directory conversation JSONL files are written
	// into, one per conversation: OutputDir/<conversation_id>.jsonl.
	OutputDir string

	Manifest ManifestUpdater
	Resolver *credentials.Resolver
	Logger   *slog.Logger

	// Metrics records conversation/provider/convergence metrics for the
	// daemon's /metrics endpoint; nil is fine, every method is nil-safe.
	Metrics *metrics.Metrics

	// StopRequested is shared with the daemon: set to request a
	// cooperative stop honored at the next per-conversation admission
	// check and at each conductor turn boundary.
	StopRequested *atomic.Bool
}

// Summary is what Run returns once every repetition has settled.
type Summary struct {
	Total       int
	Completed   int
	Failed      int
	Interrupted int
	Status      models.ExperimentStatus
}

// Run fans out cfg.Repetitions conversations under a counting semaphore
// of capacity max_parallel, staggering launches, and returns once every
// repetition has reached a terminal state or cancellation was honored.
func Run(ctx context.Context, p Params) (Summary, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := p.Config
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	awarenessA, err := awareness.ResolveSource(cfg.AwarenessA)
	if err != nil {
		return Summary{}, fmt.Errorf("runner: resolve awareness_a: %w", err)
	}
	awarenessB, err := awareness.ResolveSource(cfg.AwarenessB)
	if err != nil {
		return Summary{}, fmt.Errorf("runner: resolve awareness_b: %w", err)
	}
	profile, err := convergence.ProfileByName(cfg.ConvergenceProfile)
	if err != nil {
		return Summary{}, fmt.Errorf("runner: resolve convergence_profile: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &runner{
		p:          p,
		logger:     logger,
		sem:        make(chan struct{}, maxParallel),
		vendorSem:  newVendorSemaphores(),
		awarenessA: awarenessA,
		awarenessB: awarenessB,
		profile:    profile,
	}

	if err := p.Manifest.MarkExperimentStarted(now()); err != nil {
		return Summary{}, fmt.Errorf("runner: mark experiment started: %w", err)
	}

	for i := 0; i < cfg.Repetitions; i++ {
		if r.stopping() {
			r.interrupted.Add(1)
			continue
		}

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			r.interrupted.Add(int64(cfg.Repetitions - i))
			goto settle
		}

		r.wg.Add(1)
		repIndex := i
		go func() {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.runOne(ctx, repIndex)
		}()

		if i < cfg.Repetitions-1 {
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
			}
		}
	}

settle:
	r.wg.Wait()

	summary := Summary{
		Total:       cfg.Repetitions,
		Completed:   int(r.completed.Load()),
		Failed:      int(r.failed.Load()),
		Interrupted: int(r.interrupted.Load()),
	}
	switch {
	case summary.Failed == 0 && summary.Interrupted == 0:
		summary.Status = models.ExperimentCompleted
	case ctx.Err() != nil || (p.StopRequested != nil && p.StopRequested.Load()):
		summary.Status = models.ExperimentInterrupted
	default:
		summary.Status = models.ExperimentFailed
	}

	if err := p.Manifest.MarkExperimentEnded(now(), summary.Status); err != nil {
		return summary, fmt.Errorf("runner: mark experiment ended: %w", err)
	}
	return summary, nil
}

// now is a thin wrapper so this package, like the rest of the module,
// never calls time.Now() in a place that would need to be threaded
// through for determinism if a clock abstraction is added later.
func now() time.Time { return time.Now() }

type runner struct {
	p      Params
	logger *slog.Logger

	sem       chan struct{}
	vendorSem *vendorSemaphores

	awarenessA awareness.Source
	awarenessB awareness.Source
	profile    convergence.Profile

	wg sync.WaitGroup

	completed   atomic.Int64
	failed      atomic.Int64
	interrupted atomic.Int64
}

func (r *runner) stopping() bool {
	return r.p.StopRequested != nil && r.p.StopRequested.Load()
}

// runOne is one repetition's full lifecycle: assign an ID, open its
// JSONL sink and event bus, build its providers under the per-vendor
// caps, run the Conductor, and tear everything down.
func (r *runner) runOne(ctx context.Context, repIndex int) {
	conversationID := "conv_" + uuid.NewString()[:8]
	log := r.logger.With("conversation_id", conversationID, "experiment_id", r.p.ExperimentID)

	r.p.Metrics.ConversationStarted(r.p.ExperimentID)
	outcomeLabel := "failed"
	defer func() { r.p.Metrics.ConversationEnded(r.p.ExperimentID, outcomeLabel) }()

	cfg := r.p.Config
	cfg.FirstSpeaker = effectiveFirstSpeaker(cfg.FirstSpeaker, repIndex)

	releaseA := r.vendorSem.acquire(ctx, cfg.AgentAModel)
	defer releaseA()
	releaseB := r.vendorSem.acquire(ctx, cfg.AgentBModel)
	defer releaseB()

	sink, err := eventbus.NewJSONLSink(filepath.Join(r.p.OutputDir, conversationID+".jsonl"))
	if err != nil {
		log.Error("failed to open conversation log", "error", err)
		r.failed.Add(1)
		return
	}

	// bus.Close() flushes and closes sink itself; no separate sink.Close()
	// defer is needed.
	bus := eventbus.NewBus(conversationID, sink, r.p.Manifest, log)
	defer bus.Close()

	agentA, providerA, err := r.buildAgent(ctx, models.AgentA, cfg)
	if err != nil {
		log.Error("failed to build agent A provider", "error", err)
		r.failed.Add(1)
		return
	}
	defer providerA.Cleanup()

	agentB, providerB, err := r.buildAgent(ctx, models.AgentB, cfg)
	if err != nil {
		log.Error("failed to build agent B provider", "error", err)
		r.failed.Add(1)
		return
	}
	defer providerB.Cleanup()

	c := conductor.New(conductor.Params{
		ConversationID: conversationID,
		ExperimentID:   r.p.ExperimentID,
		Config:         cfg,
		Agents:         [2]models.Agent{agentA, agentB},
		Providers: map[models.AgentID]provider.Provider{
			models.AgentA: providerA,
			models.AgentB: providerB,
		},
		Bus:                bus,
		AwarenessA:         r.awarenessA,
		AwarenessB:         r.awarenessB,
		ConvergenceProfile: r.profile,
		Metrics:            r.p.Metrics,
		InitialPrompt:      cfg.InitialPrompt,
		StopRequested:      r.p.StopRequested,
	})

	outcome, err := c.Run(ctx)
	if err != nil {
		log.Error("conductor run failed", "error", err)
		r.failed.Add(1)
		return
	}

	switch outcome.Reason {
	case models.ReasonInterrupted, models.ReasonPausedIndefinite:
		r.interrupted.Add(1)
		outcomeLabel = "interrupted"
	case models.ReasonProviderFatal:
		r.failed.Add(1)
		outcomeLabel = "failed"
	default:
		r.completed.Add(1)
		outcomeLabel = "completed"
	}
}

func (r *runner) buildAgent(ctx context.Context, id models.AgentID, cfg models.ExperimentConfig) (models.Agent, provider.Provider, error) {
	modelID := cfg.AgentAModel
	temperature := cfg.TemperatureA
	if id == models.AgentB {
		modelID = cfg.AgentBModel
		temperature = cfg.TemperatureB
	}

	p, err := provider.Build(ctx, modelID, r.p.Resolver, r.logger)
	if err != nil {
		return models.Agent{}, nil, err
	}

	agent := models.Agent{
		ID:              id,
		ModelID:         modelID,
		Temperature:     temperature,
		ThinkingBudget:  cfg.ThinkBudget,
		ThinkingEnabled: cfg.ThinkBudget > 0,
	}
	return agent, p, nil
}

// effectiveFirstSpeaker alternates which agent opens across repetitions
// when first_speaker names a fixed agent, for fairness; a random
// configuration is left untouched so the Conductor rolls its own die
// every repetition.
func effectiveFirstSpeaker(configured models.FirstSpeaker, repIndex int) models.FirstSpeaker {
	if configured == models.FirstSpeakerRandom {
		return configured
	}
	base := configured
	if base == "" {
		base = models.FirstSpeakerAgentA
	}
	if repIndex%2 == 0 {
		return base
	}
	if base == models.FirstSpeakerAgentA {
		return models.FirstSpeakerAgentB
	}
	return models.FirstSpeakerAgentA
}

// vendorName maps a model identifier to the string the vendor semaphore
// set is keyed by, matching the same local:/bedrock:/family dispatch
// internal/provider.Build uses so the cap actually corresponds to one
// real downstream connection pool per vendor.
func vendorName(modelID string) string {
	if modelID == "silent" {
		return "silent"
	}
	if rest, ok := strings.CutPrefix(modelID, "local:"); ok {
		if rest == "test" {
			return "test-model"
		}
		return "local"
	}
	if _, ok := strings.CutPrefix(modelID, "bedrock:"); ok {
		return "bedrock"
	}
	return string(contextmgr.FamilyForModel(modelID))
}

// vendorSemaphores caps concurrent in-flight conversations per vendor,
// independent of and smaller than the experiment-wide max_parallel
// semaphore, per §4.5's per-provider safety cap.
type vendorSemaphores struct {
	mu    sync.Mutex
	byKey map[string]chan struct{}
}

func newVendorSemaphores() *vendorSemaphores {
	return &vendorSemaphores{byKey: make(map[string]chan struct{})}
}

func (v *vendorSemaphores) acquire(ctx context.Context, modelID string) func() {
	key := vendorName(modelID)
	v.mu.Lock()
	sem, ok := v.byKey[key]
	if !ok {
		sem = make(chan struct{}, perVendorCap)
		v.byKey[key] = sem
	}
	v.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return func() {}
	}
	return func() {
		select {
		case <-sem:
		default:
		}
	}
}
