package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tensegrity-ai/pidgin/internal/contextmgr"
	"github.com/tensegrity-ai/pidgin/internal/credentials"
)

// Build constructs the Provider for modelID: a prefix of "local:" or
// "bedrock:" selects the matching backend explicitly (the model name
// after the colon is what's passed to that backend), the bare name
// "silent" selects the meditation-mode provider, and anything else is
// dispatched to a vendor provider by contextmgr.FamilyForModel, resolving
// that vendor's API key through resolver. There is no model registry
// here by design — internal/contextmgr already owns "what vendor does
// this model name belong to" for context-window purposes, and Build
// reuses that same classification rather than keeping a second table.
func Build(ctx context.Context, modelID string, resolver *credentials.Resolver, logger *slog.Logger) (Provider, error) {
	if modelID == "silent" {
		return NewSilent(modelID), nil
	}
	if rest, ok := strings.CutPrefix(modelID, "local:"); ok {
		if rest == "test" {
			return NewTestModel(), nil
		}
		return NewLocal(LocalConfig{DefaultModel: rest, Logger: logger}), nil
	}
	if rest, ok := strings.CutPrefix(modelID, "bedrock:"); ok {
		key, err := resolver.Resolve(credentials.VendorBedrock)
		if err != nil {
			return nil, err
		}
		return NewBedrock(ctx, BedrockConfig{AccessKeyID: key, DefaultModel: rest, Logger: logger})
	}

	switch contextmgr.FamilyForModel(modelID) {
	case contextmgr.FamilyAnthropic:
		key, err := resolver.Resolve(credentials.VendorAnthropic)
		if err != nil {
			return nil, err
		}
		return NewAnthropic(AnthropicConfig{APIKey: key, DefaultModel: modelID, Logger: logger})
	case contextmgr.FamilyOpenAI:
		key, err := resolver.Resolve(credentials.VendorOpenAI)
		if err != nil {
			return nil, err
		}
		return NewOpenAI(OpenAIConfig{APIKey: key, DefaultModel: modelID, Logger: logger})
	case contextmgr.FamilyGoogle:
		key, err := resolver.Resolve(credentials.VendorGoogle)
		if err != nil {
			return nil, err
		}
		return NewGoogle(ctx, GoogleConfig{APIKey: key, DefaultModel: modelID, Logger: logger})
	default:
		return nil, fmt.Errorf("provider: unrecognized model %q (no vendor family, and not a local:/bedrock:/silent name)", modelID)
	}
}

// RequiredVendors returns the distinct vendors whose credentials Build
// would need to resolve for modelIDs, for a preflight credential check
// that reports every missing key at once instead of failing lazily on
// the first conversation that happens to need it.
func RequiredVendors(modelIDs []string) []credentials.Vendor {
	seen := make(map[credentials.Vendor]bool)
	var out []credentials.Vendor
	for _, m := range modelIDs {
		var v credentials.Vendor
		switch {
		case m == "silent", strings.HasPrefix(m, "local:"):
			continue
		case strings.HasPrefix(m, "bedrock:"):
			v = credentials.VendorBedrock
		default:
			switch contextmgr.FamilyForModel(m) {
			case contextmgr.FamilyAnthropic:
				v = credentials.VendorAnthropic
			case contextmgr.FamilyOpenAI:
				v = credentials.VendorOpenAI
			case contextmgr.FamilyGoogle:
				v = credentials.VendorGoogle
			default:
				continue
			}
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
