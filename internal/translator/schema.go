package translator

// Gemini's function-declaration schema dialect accepts only a narrow subset
// of JSON Schema. Everything in this set is stripped recursively.
var unsupportedGeminiKeywords = []string{
	"minLength", "maxLength", "exclusiveMinimum", "exclusiveMaximum",
	"pattern", "minItems", "maxItems", "format", "default", "examples",
	"$schema", "$defs", "definitions", "const", "$ref",
	"additionalProperties", "propertyNames", "patternProperties",
	"anyOf", "oneOf", "allOf", "not", "dependencies", "dependentSchemas",
	"dependentRequired", "title", "if", "then", "else",
	"contentMediaType", "contentEncoding",
}

// CleanSchemaForGemini returns a copy of schema with unsupported JSON-Schema
// keywords removed. anyOf/oneOf collapse to their first non-null branch, type
// arrays like ["string","null"] coalesce to the non-null member, required
// entries without a matching property are dropped, and empty object schemas
// gain a placeholder property so Gemini accepts them. Idempotent.
func CleanSchemaForGemini(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := cloneSchema(schema)
	cleanSchemaInPlace(out)
	return out
}

func cleanSchemaInPlace(schema map[string]any) {
	// Flatten union keywords before stripping them.
	for _, key := range []string{"anyOf", "oneOf"} {
		branches, ok := schema[key].([]any)
		if !ok || len(branches) == 0 {
			continue
		}
		branch := firstNonNullBranch(branches)
		delete(schema, key)
		if branch != nil {
			cleanSchemaInPlace(branch)
			for k, v := range branch {
				if _, exists := schema[k]; !exists {
					schema[k] = v
				}
			}
		}
	}

	// Coalesce ["string","null"] style type arrays.
	if types, ok := schema["type"].([]any); ok {
		picked := ""
		for _, t := range types {
			if s, ok := t.(string); ok && s != "null" {
				picked = s
				break
			}
		}
		if picked == "" {
			picked = "string"
		}
		schema["type"] = picked
	}

	for _, key := range unsupportedGeminiKeywords {
		delete(schema, key)
	}

	props, _ := schema["properties"].(map[string]any)
	for name, sub := range props {
		if m, ok := sub.(map[string]any); ok {
			cleanSchemaInPlace(m)
		} else {
			// Non-object property schemas are meaningless to Gemini.
			props[name] = map[string]any{"type": "string"}
		}
	}

	switch items := schema["items"].(type) {
	case map[string]any:
		cleanSchemaInPlace(items)
	case []any:
		// Tuple form: keep only the first schema.
		if len(items) > 0 {
			if m, ok := items[0].(map[string]any); ok {
				cleanSchemaInPlace(m)
				schema["items"] = m
			}
		}
	}

	// Drop required names that no longer exist under properties.
	if required, ok := schema["required"].([]any); ok {
		kept := make([]any, 0, len(required))
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, exists := props[name]; exists {
				kept = append(kept, name)
			}
		}
		if len(kept) > 0 {
			schema["required"] = kept
		} else {
			delete(schema, "required")
		}
	}

	// Gemini rejects object schemas with zero properties.
	if t, _ := schema["type"].(string); t == "object" && len(props) == 0 {
		schema["properties"] = map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		}
	}
}

func firstNonNullBranch(branches []any) map[string]any {
	for _, b := range branches {
		m, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t == "null" {
			continue
		}
		return cloneSchema(m)
	}
	return nil
}

func cloneSchema(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneSchema(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
