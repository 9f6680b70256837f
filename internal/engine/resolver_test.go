package engine

import (
	"strings"
	"testing"

	"github.com/polyrelay/polyrelay/internal/store"
)

func testRecord() *store.MachineRecord {
	return &store.MachineRecord{
		MachineID: "m1",
		ModelAliases: map[string]string{
			"fast":       "gh/gpt-4o-mini",
			"best":       "cc/claude-sonnet-4",
			"indirect":   "fast",
			"loop-a":     "loop-b",
			"loop-b":     "loop-a",
			"to-combo":   "coding",
			"bad-target": "nosuchprovider/model",
		},
		Combos: []store.Combo{
			{ID: "c1", Name: "coding", Models: []string{"best", "gh/gpt-4o"}},
			{ID: "c2", Name: "empty", Models: nil},
		},
	}
}

func TestResolveDirectProviderModel(t *testing.T) {
	plan, err := ResolveModel(testRecord(), "openai/gpt-4o")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if plan.Combo || len(plan.Routes) != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.Routes[0] != (Route{Provider: "openai", Model: "gpt-4o"}) {
		t.Errorf("route = %+v", plan.Routes[0])
	}
}

func TestResolveShortPrefix(t *testing.T) {
	cases := map[string]string{
		"cc/claude-sonnet-4": "claude-code",
		"cx/gpt-5-codex":     "codex",
		"gc/gemini-2.5-pro":  "gemini-cli",
		"gh/gpt-4o":          "github",
		"cu/claude-4-sonnet": "cursor",
		"kr/claude-sonnet-4": "kiro",
		"qw/qwen3-coder":     "qwen-code",
		"if/tstars2.0":       "iflow",
		"ag/gemini-3-pro":    "antigravity",
	}
	for requested, provider := range cases {
		plan, err := ResolveModel(testRecord(), requested)
		if err != nil {
			t.Errorf("ResolveModel(%q) error = %v", requested, err)
			continue
		}
		if plan.Routes[0].Provider != provider {
			t.Errorf("ResolveModel(%q) provider = %s, want %s", requested, plan.Routes[0].Provider, provider)
		}
	}
}

func TestResolveAliasChain(t *testing.T) {
	plan, err := ResolveModel(testRecord(), "indirect")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	want := Route{Provider: "github", Model: "gpt-4o-mini"}
	if plan.Routes[0] != want {
		t.Errorf("route = %+v, want %+v", plan.Routes[0], want)
	}
}

func TestResolveAliasCycle(t *testing.T) {
	_, err := ResolveModel(testRecord(), "loop-a")
	if err == nil || !strings.Contains(err.Error(), "depth") {
		t.Errorf("ResolveModel(cycle) error = %v, want depth error", err)
	}
}

func TestResolveCombo(t *testing.T) {
	plan, err := ResolveModel(testRecord(), "coding")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if !plan.Combo {
		t.Error("plan.Combo = false, want true")
	}
	if len(plan.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(plan.Routes))
	}
	if plan.Routes[0].Provider != "claude-code" || plan.Routes[1].Provider != "github" {
		t.Errorf("routes = %+v", plan.Routes)
	}
}

func TestResolveAliasToCombo(t *testing.T) {
	plan, err := ResolveModel(testRecord(), "to-combo")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if !plan.Combo || len(plan.Routes) != 2 {
		t.Errorf("plan = %+v", plan)
	}
}

func TestResolveEmptyCombo(t *testing.T) {
	if _, err := ResolveModel(testRecord(), "empty"); err == nil {
		t.Error("ResolveModel(empty combo) succeeded, want error")
	}
}

func TestResolveUnknownPrefix(t *testing.T) {
	if _, err := ResolveModel(testRecord(), "bad-target"); err == nil {
		t.Error("ResolveModel() accepted unknown provider prefix")
	}
}

func TestResolveBareModel(t *testing.T) {
	if _, err := ResolveModel(testRecord(), "gpt-4o"); err == nil {
		t.Error("ResolveModel() accepted bare model with no alias")
	}
}

func TestResolveCompatibleProviders(t *testing.T) {
	plan, err := ResolveModel(testRecord(), "openai-compatible-local/llama3")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if plan.Routes[0].Provider != "openai-compatible-local" {
		t.Errorf("provider = %s", plan.Routes[0].Provider)
	}
}

func TestResolveSlashBypassesAliasesAndCombos(t *testing.T) {
	rec := testRecord()
	rec.ModelAliases["openai/gpt-4o"] = "gh/gpt-4o-mini"
	rec.Combos = append(rec.Combos, store.Combo{ID: "c3", Name: "cc/claude-sonnet-4", Models: []string{"gh/gpt-4o"}})

	plan, err := ResolveModel(rec, "openai/gpt-4o")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if plan.Combo || plan.Routes[0] != (Route{Provider: "openai", Model: "gpt-4o"}) {
		t.Errorf("slash-named alias shadowed direct routing: %+v", plan)
	}

	plan, err = ResolveModel(rec, "cc/claude-sonnet-4")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if plan.Combo || plan.Routes[0].Provider != "claude-code" {
		t.Errorf("slash-named combo shadowed direct routing: %+v", plan)
	}
}
