// Package conductor drives one conversation's turn loop: compose the
// initial prompts, alternate provider calls between the two agents,
// score convergence after each turn, and decide whether to keep going.
// A Conductor owns exactly one conversation and talks to exactly one
// event bus — there is no cross-conversation state here, by design (see
// internal/eventbus for why that's a hard rule, not an accident).
package conductor

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/tensegrity-ai/pidgin/internal/awareness"
	"github.com/tensegrity-ai/pidgin/internal/contextmgr"
	"github.com/tensegrity-ai/pidgin/internal/convergence"
	"github.com/tensegrity-ai/pidgin/internal/eventbus"
	"github.com/tensegrity-ai/pidgin/internal/metrics"
	"github.com/tensegrity-ai/pidgin/internal/provider"
	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// phase is the conductor's state machine position. Run loops through
// these as a plain switch rather than a goroutine-per-state or async
// coroutine, checking ctx.Done() only at the suspension points named in
// the turn loop (start of a turn, between speakers, while paused).
type phase int

const (
	phaseInit phase = iota
	phaseSystemPrompted
	phaseTurnInProgress
	phaseTurnComplete
	phaseTerminated
)

// Outcome is what Run returns once a conversation reaches Terminated.
type Outcome struct {
	Reason           models.TerminationReason
	TurnCount        int
	FinalConvergence *float64
}

// Params is everything a Conductor needs to run one conversation. The
// caller (the Runner) resolves providers, awareness sources, and the
// convergence profile before constructing a Conductor; the Conductor
// itself never does model selection or dials a vendor directly.
type Params struct {
	ConversationID string
	ExperimentID   string
	Config         models.ExperimentConfig

	Agents    [2]models.Agent
	Providers map[models.AgentID]provider.Provider

	Bus *eventbus.Bus

	AwarenessA AwarenessSource
	AwarenessB AwarenessSource

	ConvergenceProfile convergence.Profile

	// Metrics records provider latency/token counts and convergence
	// scores; nil is fine, every method on *metrics.Metrics is nil-safe.
	Metrics *metrics.Metrics

	// InitialPrompt is the already-resolved user-visible opening prompt,
	// whether supplied literally or generated from a dimensional spec —
	// the Conductor never generates one itself.
	InitialPrompt string

	// StopRequested is polled at each turn boundary; when set, the
	// running conversation terminates as interrupted rather than
	// continuing to the next turn. Shared across all conversations in
	// an experiment, owned by the Runner/Daemon.
	StopRequested *atomic.Bool
}

// AwarenessSource is the thin alias conductor uses for awareness.Source,
// kept here so callers don't need to import internal/awareness just to
// build a Params.
type AwarenessSource = awareness.Source

// Conductor runs one conversation's state machine to completion.
type Conductor struct {
	id           string
	experimentID string
	cfg          models.ExperimentConfig

	agents    [2]models.Agent
	providers map[models.AgentID]provider.Provider

	bus *eventbus.Bus

	awarenessA AwarenessSource
	awarenessB AwarenessSource

	profile convergence.Profile
	metrics *metrics.Metrics

	estimators    map[models.AgentID]contextmgr.Estimator
	contextLimits map[models.AgentID]int

	stopRequested *atomic.Bool
	resumeCh      chan struct{}

	initialPrompt string
	firstSpeaker  models.AgentID

	phase             phase
	turn              int
	messages          []models.Message
	history           []models.Turn
	convergenceScores []float64

	branchedFrom     *BranchInfo
	branchedMessages []models.Message
	startTurn        int
}

// BranchInfo records that this conversation was seeded from another
// conversation's JSONL rather than starting fresh.
type BranchInfo struct {
	ParentConversationID string
	BranchPointTurn      int
}

// New constructs a Conductor ready to Run. It performs no I/O itself;
// system prompt composition and the turn loop happen inside Run.
func New(p Params) *Conductor {
	c := &Conductor{
		id:            p.ConversationID,
		experimentID:  p.ExperimentID,
		cfg:           p.Config,
		agents:        p.Agents,
		providers:     p.Providers,
		bus:           p.Bus,
		awarenessA:    p.AwarenessA,
		awarenessB:    p.AwarenessB,
		profile:       p.ConvergenceProfile,
		metrics:       p.Metrics,
		initialPrompt: p.InitialPrompt,
		stopRequested: p.StopRequested,
		resumeCh:      make(chan struct{}, 1),
		phase:         phaseInit,
		startTurn:     1,
	}
	c.estimators = map[models.AgentID]contextmgr.Estimator{
		models.AgentA: contextmgr.NewEstimator(contextmgr.FamilyForModel(p.Agents[0].ModelID)),
		models.AgentB: contextmgr.NewEstimator(contextmgr.FamilyForModel(p.Agents[1].ModelID)),
	}
	c.contextLimits = map[models.AgentID]int{
		models.AgentA: contextmgr.ContextLimitForModel(p.Agents[0].ModelID),
		models.AgentB: contextmgr.ContextLimitForModel(p.Agents[1].ModelID),
	}
	return c
}

// Resume wakes a paused conversation, equivalent to an
// InterruptRequest{resume} arriving from outside. Non-blocking: the
// signal is buffered if the conductor hasn't reached its pause point
// yet and consumed as soon as it does; a second Resume arriving before
// the first is consumed is simply dropped.
func (c *Conductor) Resume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

// Run executes the conversation to completion, returning once the state
// machine reaches Terminated. Run is not safe to call more than once on
// the same Conductor.
func (c *Conductor) Run(ctx context.Context) (Outcome, error) {
	for {
		switch c.phase {
		case phaseInit:
			if err := c.init(ctx); err != nil {
				return Outcome{}, err
			}
			c.phase = phaseSystemPrompted

		case phaseSystemPrompted:
			c.turn = c.startTurn
			c.phase = phaseTurnInProgress

		case phaseTurnInProgress:
			reason, err := c.runTurn(ctx)
			if err != nil {
				return Outcome{}, err
			}
			if reason != "" {
				return c.terminate(ctx, reason), nil
			}
			c.phase = phaseTurnComplete

		case phaseTurnComplete:
			reason, wait := c.decideContinuation(ctx)
			if reason != "" {
				return c.terminate(ctx, reason), nil
			}
			if wait {
				reason := c.awaitResume(ctx)
				if reason != "" {
					return c.terminate(ctx, reason), nil
				}
			}
			if c.turn >= c.cfg.MaxTurns {
				return c.terminate(ctx, models.ReasonMaxTurns), nil
			}
			c.turn++
			c.phase = phaseTurnInProgress

		case phaseTerminated:
			panic("conductor: Run called after termination")
		}
	}
}

func (c *Conductor) init(ctx context.Context) error {
	first := c.resolveFirstSpeaker()
	c.firstSpeaker = first

	c.bus.Emit(ctx, models.Event{
		Type: models.EventConversationStart,
		ConversationStart: &models.ConversationStartPayload{
			ExperimentID: c.experimentID,
			Agents:       c.agents,
			FirstSpeaker: first,
		},
	})

	if c.branchedFrom != nil {
		c.bus.Emit(ctx, models.Event{
			Type: models.EventConversationBranch,
			ConversationBranch: &models.ConversationBranchPayload{
				ParentConversationID: c.branchedFrom.ParentConversationID,
				BranchPointTurn:      c.branchedFrom.BranchPointTurn,
			},
		})
	}

	modelA, modelB := c.agents[0].ModelID, c.agents[1].ModelID
	promptA := c.awarenessA.InitialPrompt(true, modelA, modelB)
	promptB := c.awarenessB.InitialPrompt(false, modelA, modelB)
	if c.cfg.ChooseNames {
		promptA = appendNameInstruction(promptA)
		promptB = appendNameInstruction(promptB)
	}
	for agentID, p := range map[models.AgentID]string{models.AgentA: promptA, models.AgentB: promptB} {
		if p == "" {
			continue
		}
		c.bus.Emit(ctx, models.Event{
			Type:         models.EventSystemPrompt,
			SystemPrompt: &models.SystemPromptPayload{AgentID: agentID, Content: p},
		})
		c.messages = append(c.messages, models.Message{Role: models.RoleSystem, Content: p, AgentID: agentID, Timestamp: time.Now()})
	}

	if c.branchedFrom != nil {
		c.messages = append(c.messages, c.branchedMessages...)
		return nil
	}

	if len(c.messages) == 0 && c.initialPrompt == "" {
		return fmt.Errorf("conductor: no system prompt and no initial prompt for conversation %s", c.id)
	}
	if c.initialPrompt != "" {
		c.messages = append(c.messages, models.Message{Role: models.RoleUser, Content: c.initialPrompt, Timestamp: time.Now()})
	}
	return nil
}

func (c *Conductor) resolveFirstSpeaker() models.AgentID {
	switch c.cfg.FirstSpeaker {
	case models.FirstSpeakerAgentB:
		return models.AgentB
	case models.FirstSpeakerRandom:
		if rand.Intn(2) == 0 {
			return models.AgentA
		}
		return models.AgentB
	default:
		return models.AgentA
	}
}

// runTurn runs both speakers' messages for the current turn, returning a
// non-empty TerminationReason if the turn ended the conversation outright
// (a fatal provider error, or a mid-turn stop request).
func (c *Conductor) runTurn(ctx context.Context) (models.TerminationReason, error) {
	if err := ctx.Err(); err != nil {
		return models.ReasonInterrupted, nil
	}
	if c.stopRequested != nil && c.stopRequested.Load() {
		return models.ReasonInterrupted, nil
	}

	c.bus.Emit(ctx, models.Event{
		Type:      models.EventTurnStart,
		TurnStart: &models.TurnStartPayload{Turn: c.turn},
	})

	var turn models.Turn
	turn.Index = c.turn

	speakers := [2]models.AgentID{c.firstSpeaker, c.firstSpeaker.Other()}
	for i, speaker := range speakers {
		if i > 0 && ctx.Err() != nil {
			return models.ReasonInterrupted, nil
		}
		c.applyTurnOverride(ctx, speaker)

		msg, reason, err := c.runSpeaker(ctx, speaker)
		if err != nil {
			return "", err
		}
		if reason != "" {
			return reason, nil
		}
		if i == 0 {
			turn.First = msg
		} else {
			turn.Second = msg
		}
		c.messages = append(c.messages, msg)
	}

	score := convergence.Score(turn, c.history, c.profile)
	c.history = append(c.history, turn)
	c.convergenceScores = append(c.convergenceScores, score)
	c.metrics.RecordConvergence(c.experimentID, score)

	c.bus.Emit(ctx, models.Event{
		Type:         models.EventTurnComplete,
		TurnComplete: &models.TurnCompletePayload{Turn: c.turn, ConvergenceScore: score},
	})
	return "", nil
}

// applyTurnOverride appends a new system message for speaker if the
// agent's awareness source has a per-turn override configured for the
// current turn, emitting the matching SystemPrompt event.
func (c *Conductor) applyTurnOverride(ctx context.Context, speaker models.AgentID) {
	src := c.awarenessA
	isA := speaker == models.AgentA
	if !isA {
		src = c.awarenessB
	}
	override, ok := src.TurnOverride(isA, c.turn)
	if !ok || override == "" {
		return
	}
	c.bus.Emit(ctx, models.Event{
		Type:         models.EventSystemPrompt,
		SystemPrompt: &models.SystemPromptPayload{AgentID: speaker, Content: override},
	})
	c.messages = append(c.messages, models.Message{Role: models.RoleSystem, Content: override, AgentID: speaker, Timestamp: time.Now()})
}

// runSpeaker issues one provider call for speaker and returns its
// completed message. A non-empty TerminationReason means the call
// failed fatally and the conversation must stop without running the
// second speaker.
func (c *Conductor) runSpeaker(ctx context.Context, speaker models.AgentID) (models.Message, models.TerminationReason, error) {
	c.bus.Emit(ctx, models.Event{
		Type:           models.EventMessageRequest,
		MessageRequest: &models.MessageRequestPayload{Turn: c.turn, AgentID: speaker},
	})

	agent := c.agentFor(speaker)
	view := c.buildView(speaker)
	result := contextmgr.Truncate(c.estimators[speaker], view, c.contextLimits[speaker], allowTruncation(c.cfg))
	if result.Truncated {
		c.bus.Emit(ctx, models.Event{
			Type: models.EventContextTruncation,
			ContextTruncation: &models.ContextTruncationPayload{
				OriginalCount: result.Original,
				KeptCount:     result.Kept,
				Dropped:       result.Dropped,
			},
		})
	}

	req := provider.Request{
		Model:          agent.ModelID,
		Messages:       toProviderMessages(result.Messages),
		Temperature:    effectiveTemperature(c.cfg, speaker, agent),
		EnableThinking: agent.ThinkingEnabled,
		ThinkingBudget: agent.ThinkingBudget,
	}

	callStart := time.Now()
	ch, err := c.providers[speaker].Stream(ctx, req)
	if err != nil {
		return c.fail(ctx, speaker, err)
	}

	var content, thinking string
	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.Thinking != "" {
			thinking += chunk.Thinking
		}
		if chunk.Text != "" {
			content += chunk.Text
			c.bus.Emit(ctx, models.Event{
				Type:         models.EventMessageChunk,
				MessageChunk: &models.MessageChunkPayload{Turn: c.turn, AgentID: speaker, Content: chunk.Text},
			})
		}
	}
	if streamErr != nil {
		return c.fail(ctx, speaker, streamErr)
	}

	if thinking != "" {
		c.bus.Emit(ctx, models.Event{
			Type:             models.EventThinkingComplete,
			ThinkingComplete: &models.ThinkingCompletePayload{Turn: c.turn, AgentID: speaker, Content: thinking},
		})
	}

	if c.cfg.ChooseNames && agent.ChosenName == "" {
		if name, ok := extractChosenName(content); ok {
			c.setChosenName(speaker, name)
		}
	}

	usage := c.providers[speaker].LastUsage()
	c.metrics.RecordProviderRequest(c.providers[speaker].Name(), time.Since(callStart).Seconds(), usage.PromptTokens, usage.CompletionTokens)
	msgUsage := &models.Usage{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens, TotalTokens: usage.TotalTokens}
	c.bus.Emit(ctx, models.Event{
		Type:            models.EventMessageComplete,
		MessageComplete: &models.MessageCompletePayload{Turn: c.turn, AgentID: speaker, Content: content, Usage: msgUsage},
	})

	return models.Message{Role: models.RoleAssistant, Content: content, AgentID: speaker, Timestamp: time.Now()}, "", nil
}

func (c *Conductor) fail(ctx context.Context, speaker models.AgentID, err error) (models.Message, models.TerminationReason, error) {
	kind := "unknown"
	provName := ""
	if pe, ok := provider.AsProviderError(err); ok {
		kind = string(pe.Kind)
		provName = pe.Provider
	}
	c.bus.Emit(ctx, models.Event{
		Type: models.EventAPIError,
		APIError: &models.APIErrorPayload{
			Turn: c.turn, AgentID: speaker, Kind: kind, Message: err.Error(), Provider: provName,
		},
	})
	return models.Message{}, models.ReasonProviderFatal, nil
}

func (c *Conductor) decideContinuation(ctx context.Context) (reason models.TerminationReason, shouldWait bool) {
	if len(c.convergenceScores) == 0 {
		return "", false
	}
	latest := c.convergenceScores[len(c.convergenceScores)-1]
	if c.cfg.ConvergenceThreshold != nil && latest >= *c.cfg.ConvergenceThreshold {
		switch c.cfg.ConvergenceAction {
		case models.ConvergenceActionStop:
			return models.ReasonHighConvergence, false
		case models.ConvergenceActionPause:
			c.bus.Emit(ctx, models.Event{Type: models.EventConversationPaused})
			return "", true
		default: // notify: record and continue
		}
	}
	if c.stopRequested != nil && c.stopRequested.Load() {
		return models.ReasonInterrupted, false
	}
	return "", false
}

// awaitResume blocks until either a resume signal arrives (continue),
// the context is cancelled (paused_indefinite — the process is shutting
// down while this conversation waited for a human/operator decision), or
// a stop was requested of the whole experiment (interrupted).
func (c *Conductor) awaitResume(ctx context.Context) models.TerminationReason {
	for {
		select {
		case <-ctx.Done():
			return models.ReasonPausedIndefinite
		case <-c.resumeCh:
			c.bus.Emit(ctx, models.Event{Type: models.EventConversationResume})
			return ""
		case <-time.After(500 * time.Millisecond):
			if c.stopRequested != nil && c.stopRequested.Load() {
				return models.ReasonInterrupted
			}
		}
	}
}

func (c *Conductor) terminate(ctx context.Context, reason models.TerminationReason) Outcome {
	var final *float64
	if len(c.convergenceScores) > 0 {
		v := c.convergenceScores[len(c.convergenceScores)-1]
		final = &v
	}
	c.bus.Emit(ctx, models.Event{
		Type: models.EventConversationEnd,
		ConversationEnd: &models.ConversationEndPayload{
			Reason:           reason,
			TurnCount:        c.turn,
			FinalConvergence: final,
		},
	})
	c.phase = phaseTerminated
	return Outcome{Reason: reason, TurnCount: c.turn, FinalConvergence: final}
}

func (c *Conductor) agentFor(id models.AgentID) models.Agent {
	if id == models.AgentA {
		return c.agents[0]
	}
	return c.agents[1]
}

func (c *Conductor) setChosenName(id models.AgentID, name string) {
	if id == models.AgentA {
		c.agents[0].ChosenName = name
	} else {
		c.agents[1].ChosenName = name
	}
}

// buildView rewrites the canonical message history into the role
// ordering a provider expects for speaker: speaker's own prior messages
// become assistant turns, the other agent's become user turns, system
// messages stay system (filtered to those addressed to speaker or to
// both), and the neutral opening prompt stays a user turn.
func (c *Conductor) buildView(speaker models.AgentID) []models.Message {
	view := make([]models.Message, 0, len(c.messages))
	for _, m := range c.messages {
		switch m.Role {
		case models.RoleSystem:
			if m.AgentID == "" || m.AgentID == speaker {
				view = append(view, m)
			}
		case models.RoleAssistant:
			if m.AgentID == speaker {
				view = append(view, m)
			} else {
				rewritten := m
				rewritten.Role = models.RoleUser
				view = append(view, rewritten)
			}
		default:
			view = append(view, m)
		}
	}
	return view
}

func toProviderMessages(msgs []models.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func allowTruncation(cfg models.ExperimentConfig) bool {
	if cfg.AllowTruncation == nil {
		return true
	}
	return *cfg.AllowTruncation
}

func effectiveTemperature(cfg models.ExperimentConfig, speaker models.AgentID, agent models.Agent) *float64 {
	if agent.Temperature != nil {
		return agent.Temperature
	}
	if speaker == models.AgentA && cfg.TemperatureA != nil {
		return cfg.TemperatureA
	}
	if speaker == models.AgentB && cfg.TemperatureB != nil {
		return cfg.TemperatureB
	}
	return cfg.Temperature
}
