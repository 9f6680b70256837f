package engine

import (
	"fmt"
	"strings"

	"github.com/polyrelay/polyrelay/internal/store"
)

// maxAliasDepth bounds alias-to-alias chains so a cyclic table cannot loop
// the resolver.
const maxAliasDepth = 8

// providerAliases maps the short routing prefixes onto provider tags. Full
// provider names are always accepted as their own prefix.
var providerAliases = map[string]string{
	"cc": "claude-code",
	"cx": "codex",
	"gc": "gemini-cli",
	"qw": "qwen-code",
	"if": "iflow",
	"ag": "antigravity",
	"gh": "github",
	"kr": "kiro",
	"cu": "cursor",
}

// knownProviders are the full tags accepted verbatim, besides the
// openai-compatible-* / anthropic-compatible-* families.
var knownProviders = map[string]bool{
	"openai":      true,
	"anthropic":   true,
	"openrouter":  true,
	"glm":         true,
	"kimi":        true,
	"minimax":     true,
	"gemini":      true,
	"claude-code": true,
	"codex":       true,
	"gemini-cli":  true,
	"qwen-code":   true,
	"iflow":       true,
	"antigravity": true,
	"github":      true,
	"kiro":        true,
	"cursor":      true,
}

// Route is one resolved (provider, upstream model) pair.
type Route struct {
	Provider string
	Model    string
}

// Plan is the resolved execution order for a requested model. Combo plans
// carry several routes, tried in order with fallover on server errors only.
type Plan struct {
	Routes []Route
	Combo  bool
}

// CanonicalProvider expands a routing prefix to its provider tag.
func CanonicalProvider(prefix string) (string, bool) {
	if full, ok := providerAliases[prefix]; ok {
		return full, true
	}
	if knownProviders[prefix] {
		return prefix, true
	}
	if strings.HasPrefix(prefix, "openai-compatible-") || strings.HasPrefix(prefix, "anthropic-compatible-") {
		return prefix, true
	}
	return "", false
}

// ResolveModel turns the client-requested model string into a Plan, following
// the machine's alias table and combo definitions.
func ResolveModel(record *store.MachineRecord, requested string) (*Plan, error) {
	return resolveModel(record, requested, 0)
}

func resolveModel(record *store.MachineRecord, requested string, depth int) (*Plan, error) {
	if depth > maxAliasDepth {
		return nil, fmt.Errorf("alias chain for %q exceeds depth %d", requested, maxAliasDepth)
	}

	// A slash means direct provider/model routing; an alias or combo that
	// happens to carry a slash in its name cannot shadow it.
	if prefix, model, found := strings.Cut(requested, "/"); found {
		if model == "" {
			return nil, fmt.Errorf("model %q is neither an alias, a combo, nor provider/model", requested)
		}
		provider, ok := CanonicalProvider(prefix)
		if !ok {
			return nil, fmt.Errorf("unknown provider prefix %q", prefix)
		}
		return &Plan{Routes: []Route{{Provider: provider, Model: model}}}, nil
	}

	for _, combo := range record.Combos {
		if combo.Name != requested {
			continue
		}
		plan := &Plan{Combo: true}
		for _, member := range combo.Models {
			sub, err := resolveModel(record, member, depth+1)
			if err != nil {
				return nil, fmt.Errorf("combo %q: %w", combo.Name, err)
			}
			plan.Routes = append(plan.Routes, sub.Routes...)
		}
		if len(plan.Routes) == 0 {
			return nil, fmt.Errorf("combo %q has no members", combo.Name)
		}
		return plan, nil
	}

	if target, ok := record.ModelAliases[requested]; ok {
		return resolveModel(record, target, depth+1)
	}

	return nil, fmt.Errorf("model %q is neither an alias, a combo, nor provider/model", requested)
}
