package translator

import (
	"reflect"
	"testing"
)

func TestCleanSchemaStripsUnsupportedKeywords(t *testing.T) {
	in := map[string]any{
		"type":    "object",
		"$schema": "http://json-schema.org/draft-07/schema#",
		"properties": map[string]any{
			"name": map[string]any{
				"type":      "string",
				"minLength": float64(1),
				"maxLength": float64(40),
				"pattern":   "^[a-z]+$",
			},
			"count": map[string]any{
				"type":    "integer",
				"default": float64(0),
			},
		},
		"additionalProperties": false,
	}

	out := CleanSchemaForGemini(in)
	if _, ok := out["$schema"]; ok {
		t.Error("$schema survived")
	}
	if _, ok := out["additionalProperties"]; ok {
		t.Error("additionalProperties survived")
	}
	name := out["properties"].(map[string]any)["name"].(map[string]any)
	for _, key := range []string{"minLength", "maxLength", "pattern"} {
		if _, ok := name[key]; ok {
			t.Errorf("%s survived in nested property", key)
		}
	}
	count := out["properties"].(map[string]any)["count"].(map[string]any)
	if _, ok := count["default"]; ok {
		t.Error("default survived")
	}
}

func TestCleanSchemaDoesNotMutateInput(t *testing.T) {
	in := map[string]any{
		"type":    "object",
		"$schema": "x",
		"properties": map[string]any{
			"a": map[string]any{"type": "string", "format": "uri"},
		},
	}
	CleanSchemaForGemini(in)
	if _, ok := in["$schema"]; !ok {
		t.Error("input schema mutated")
	}
	if _, ok := in["properties"].(map[string]any)["a"].(map[string]any)["format"]; !ok {
		t.Error("nested input schema mutated")
	}
}

func TestCleanSchemaFlattensAnyOf(t *testing.T) {
	in := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "null"},
			map[string]any{"type": "string", "minLength": float64(1)},
		},
	}
	out := CleanSchemaForGemini(in)
	if _, ok := out["anyOf"]; ok {
		t.Error("anyOf survived")
	}
	if out["type"] != "string" {
		t.Errorf("type = %v, want string", out["type"])
	}
	if _, ok := out["minLength"]; ok {
		t.Error("branch keywords not cleaned")
	}
}

func TestCleanSchemaCoalescesTypeArray(t *testing.T) {
	out := CleanSchemaForGemini(map[string]any{
		"type": []any{"string", "null"},
	})
	if out["type"] != "string" {
		t.Errorf("type = %v", out["type"])
	}

	out = CleanSchemaForGemini(map[string]any{
		"type": []any{"null"},
	})
	if out["type"] != "string" {
		t.Errorf("all-null type = %v, want string fallback", out["type"])
	}
}

func TestCleanSchemaDropsOrphanRequired(t *testing.T) {
	out := CleanSchemaForGemini(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kept": map[string]any{"type": "string"},
		},
		"required": []any{"kept", "ghost"},
	})
	required, ok := out["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "kept" {
		t.Errorf("required = %v, want [kept]", out["required"])
	}

	out = CleanSchemaForGemini(map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{"type": "string"}},
		"required":   []any{"ghost"},
	})
	if _, ok := out["required"]; ok {
		t.Error("all-orphan required key survived")
	}
}

func TestCleanSchemaEmptyObjectGetsPlaceholder(t *testing.T) {
	out := CleanSchemaForGemini(map[string]any{"type": "object"})
	props, ok := out["properties"].(map[string]any)
	if !ok {
		t.Fatal("no properties injected")
	}
	if _, ok := props["reason"]; !ok {
		t.Errorf("placeholder missing, props = %v", props)
	}
}

func TestCleanSchemaTupleItems(t *testing.T) {
	out := CleanSchemaForGemini(map[string]any{
		"type": "array",
		"items": []any{
			map[string]any{"type": "string", "format": "date"},
			map[string]any{"type": "integer"},
		},
	})
	items, ok := out["items"].(map[string]any)
	if !ok {
		t.Fatalf("items = %T, want single schema", out["items"])
	}
	if items["type"] != "string" {
		t.Errorf("items type = %v", items["type"])
	}
	if _, ok := items["format"]; ok {
		t.Error("format survived in tuple item")
	}
}

func TestCleanSchemaIdempotent(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"q": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string", "pattern": "x"},
				},
			},
		},
		"required": []any{"q", "missing"},
	}
	once := CleanSchemaForGemini(in)
	twice := CleanSchemaForGemini(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("not idempotent:\nonce:  %v\ntwice: %v", once, twice)
	}
}
