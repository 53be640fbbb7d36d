package conductor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tensegrity-ai/pidgin/internal/awareness"
	"github.com/tensegrity-ai/pidgin/internal/convergence"
	"github.com/tensegrity-ai/pidgin/internal/eventbus"
	"github.com/tensegrity-ai/pidgin/internal/provider"
	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// memSink is an in-memory eventbus.Sink for tests; it never fails.
type memSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *memSink) Write(e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}
func (s *memSink) Flush() error { return nil }
func (s *memSink) Close() error { return nil }

func (s *memSink) all() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

// nopManifest satisfies eventbus.ManifestUpdater without touching disk.
type nopManifest struct{}

func (nopManifest) UpdateConversation(string, models.Event) error { return nil }

// scriptedProvider replies with a fixed string, or fails once set to do so.
type scriptedProvider struct {
	name    string
	reply   string
	failErr error
}

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	if p.failErr != nil {
		return nil, p.failErr
	}
	ch := make(chan provider.Chunk, 2)
	ch <- provider.Chunk{Text: p.reply}
	ch <- provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}
func (p *scriptedProvider) LastUsage() provider.Usage { return provider.Usage{TotalTokens: 10} }
func (p *scriptedProvider) Name() string              { return p.name }
func (p *scriptedProvider) Cleanup() error             { return nil }

func newTestBus(t *testing.T) (*eventbus.Bus, *memSink) {
	t.Helper()
	sink := &memSink{}
	bus := eventbus.NewBus("conv-test", sink, nopManifest{}, nil)
	t.Cleanup(func() { bus.Close() })
	return bus, sink
}

func noneSource() awareness.Source {
	s, _ := awareness.ResolveSource("none")
	return s
}

func basicParams(t *testing.T, bus *eventbus.Bus, providers map[models.AgentID]provider.Provider) Params {
	t.Helper()
	return Params{
		ConversationID: "conv-test",
		ExperimentID:   "exp-test",
		Config: models.ExperimentConfig{
			Name:        "t",
			AgentAModel: "claude-sonnet",
			AgentBModel: "gpt-5",
			MaxTurns:    2,
			Repetitions: 1,
		},
		Agents: [2]models.Agent{
			{ID: models.AgentA, ModelID: "claude-sonnet"},
			{ID: models.AgentB, ModelID: "gpt-5"},
		},
		Providers:     providers,
		Bus:           bus,
		AwarenessA:    noneSource(),
		AwarenessB:    noneSource(),
		InitialPrompt: "let's talk about rivers",
	}
}

func waitForEventType(t *testing.T, sink *memSink, want models.EventType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range sink.all() {
			if e.Type == want {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event type %s, got %+v", want, sink.all())
}

func TestRunCompletesAtMaxTurns(t *testing.T) {
	bus, sink := newTestBus(t)
	providers := map[models.AgentID]provider.Provider{
		models.AgentA: &scriptedProvider{name: "a", reply: "hello from A"},
		models.AgentB: &scriptedProvider{name: "b", reply: "hello from B"},
	}
	c := New(basicParams(t, bus, providers))

	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Reason != models.ReasonMaxTurns {
		t.Errorf("Reason = %v, want %v", outcome.Reason, models.ReasonMaxTurns)
	}
	if outcome.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", outcome.TurnCount)
	}

	waitForEventType(t, sink, models.EventConversationStart)
	waitForEventType(t, sink, models.EventConversationEnd)
}

func TestRunTerminatesOnProviderFatalError(t *testing.T) {
	bus, _ := newTestBus(t)
	providers := map[models.AgentID]provider.Provider{
		models.AgentA: &scriptedProvider{name: "a", failErr: &provider.ProviderError{Kind: provider.ErrorAuthFailed, Message: "bad key"}},
		models.AgentB: &scriptedProvider{name: "b", reply: "never reached"},
	}
	c := New(basicParams(t, bus, providers))

	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Reason != models.ReasonProviderFatal {
		t.Errorf("Reason = %v, want %v", outcome.Reason, models.ReasonProviderFatal)
	}
	if outcome.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1 (failed on first turn, first speaker)", outcome.TurnCount)
	}
}

func TestRunStopsOnHighConvergenceWithStopAction(t *testing.T) {
	bus, _ := newTestBus(t)
	providers := map[models.AgentID]provider.Provider{
		models.AgentA: &scriptedProvider{name: "a", reply: "identical words here"},
		models.AgentB: &scriptedProvider{name: "b", reply: "identical words here"},
	}
	params := basicParams(t, bus, providers)
	params.Config.MaxTurns = 10
	threshold := 0.5
	params.Config.ConvergenceThreshold = &threshold
	params.Config.ConvergenceAction = models.ConvergenceActionStop
	params.ConvergenceProfile = convergence.Balanced()

	c := New(params)
	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Reason != models.ReasonHighConvergence {
		t.Errorf("Reason = %v, want %v", outcome.Reason, models.ReasonHighConvergence)
	}
	if outcome.FinalConvergence == nil || *outcome.FinalConvergence < 0.5 {
		t.Errorf("FinalConvergence = %v, want >= 0.5", outcome.FinalConvergence)
	}
}

func TestRunStopsOnFirstTurnWithZeroThreshold(t *testing.T) {
	bus, _ := newTestBus(t)
	providers := map[models.AgentID]provider.Provider{
		models.AgentA: &scriptedProvider{name: "a", reply: "hello there"},
		models.AgentB: &scriptedProvider{name: "b", reply: "hello there"},
	}
	params := basicParams(t, bus, providers)
	params.Config.MaxTurns = 10
	threshold := 0.0
	params.Config.ConvergenceThreshold = &threshold
	params.Config.ConvergenceAction = models.ConvergenceActionStop
	params.ConvergenceProfile = convergence.Balanced()

	c := New(params)
	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Reason != models.ReasonHighConvergence {
		t.Errorf("Reason = %v, want %v", outcome.Reason, models.ReasonHighConvergence)
	}
	if outcome.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1 (an explicit 0.0 threshold terminates after the first turn)", outcome.TurnCount)
	}
}

func TestRunTerminatesInterruptedWhenStopRequestedBeforeStart(t *testing.T) {
	bus, _ := newTestBus(t)
	providers := map[models.AgentID]provider.Provider{
		models.AgentA: &scriptedProvider{name: "a", reply: "x"},
		models.AgentB: &scriptedProvider{name: "b", reply: "y"},
	}
	params := basicParams(t, bus, providers)
	var stop atomic.Bool
	stop.Store(true)
	params.StopRequested = &stop

	c := New(params)
	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Reason != models.ReasonInterrupted {
		t.Errorf("Reason = %v, want %v", outcome.Reason, models.ReasonInterrupted)
	}
}

func TestRunPausesThenResumes(t *testing.T) {
	bus, _ := newTestBus(t)
	providers := map[models.AgentID]provider.Provider{
		models.AgentA: &scriptedProvider{name: "a", reply: "same text"},
		models.AgentB: &scriptedProvider{name: "b", reply: "same text"},
	}
	params := basicParams(t, bus, providers)
	// MaxTurns=1 so the single pause/resume cycle is immediately
	// followed by the max-turns check, keeping the test deterministic
	// instead of racing a second pause.
	params.Config.MaxTurns = 1
	threshold := 0.3
	params.Config.ConvergenceThreshold = &threshold
	params.Config.ConvergenceAction = models.ConvergenceActionPause
	params.ConvergenceProfile = convergence.Balanced()

	c := New(params)
	// Resume is buffered (capacity 1) regardless of whether it arrives
	// before or after the conductor reaches its pause point.
	c.Resume()

	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Reason != models.ReasonMaxTurns {
		t.Errorf("Reason = %v, want %v", outcome.Reason, models.ReasonMaxTurns)
	}
}

func TestChooseNamesExtractsAnnouncedName(t *testing.T) {
	bus, _ := newTestBus(t)
	providers := map[models.AgentID]provider.Provider{
		models.AgentA: &scriptedProvider{name: "a", reply: "Hi there! My name is Orca, nice to meet you."},
		models.AgentB: &scriptedProvider{name: "b", reply: "Hello, call me Finch."},
	}
	params := basicParams(t, bus, providers)
	params.Config.ChooseNames = true
	params.Config.MaxTurns = 1

	c := New(params)
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if c.agents[0].ChosenName != "Orca" {
		t.Errorf("agent A ChosenName = %q, want Orca", c.agents[0].ChosenName)
	}
	if c.agents[1].ChosenName != "Finch" {
		t.Errorf("agent B ChosenName = %q, want Finch", c.agents[1].ChosenName)
	}
}
