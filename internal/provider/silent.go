package provider

import "context"

// Silent is the meditation-mode provider: it answers every turn with
// silence. Pairing both agents with Silent lets an experiment probe
// what the conductor and convergence scorer do with an empty
// conversation rather than testing a model at all.
type Silent struct {
	model string
}

// NewSilent constructs a Silent provider. model is recorded only for
// Name()/logging; it never reaches a real backend.
func NewSilent(model string) *Silent {
	return &Silent{model: model}
}

func (p *Silent) Name() string     { return "silent" }
func (p *Silent) LastUsage() Usage { return Usage{} }
func (p *Silent) Cleanup() error   { return nil }

// Stream always yields the empty string - the sound of one hand clapping.
func (p *Silent) Stream(_ context.Context, _ Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 2)
	out <- Chunk{Text: ""}
	out <- Chunk{Done: true}
	close(out)
	return out, nil
}
