package translator

import (
	"regexp"
)

const (
	githubMaxTools      = 128
	githubMaxToolName   = 64
	claudeModeStrict    = "strict"
	claudeModePermissve = "permissive"
)

var githubToolNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:\-]*$`)

// SanitizeToolsForGitHub enforces GitHub Copilot's tool-list constraints:
// names truncated to 64 chars, invalid names rejected, duplicates dropped
// keeping the first occurrence, and the list capped at 128 entries.
// Idempotent; valid lists pass through untouched.
func SanitizeToolsForGitHub(tools []ChatTool) []ChatTool {
	out := make([]ChatTool, 0, len(tools))
	seen := map[string]bool{}
	for _, t := range tools {
		name := t.Function.Name
		if len(name) > githubMaxToolName {
			name = name[:githubMaxToolName]
		}
		if !githubToolNameRe.MatchString(name) {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		t.Function.Name = name
		out = append(out, t)
		if len(out) == githubMaxTools {
			break
		}
	}
	return out
}

// CleanToolSchemaForClaude removes default/examples from tool input schemas
// when the target mode requires it (Antigravity's Claude passthrough).
func CleanToolSchemaForClaude(schema map[string]any, mode string) map[string]any {
	if schema == nil || mode != claudeModeStrict {
		return schema
	}
	out := cloneSchema(schema)
	stripClaudeKeys(out)
	return out
}

func stripClaudeKeys(schema map[string]any) {
	delete(schema, "default")
	delete(schema, "examples")
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, sub := range props {
			if m, ok := sub.(map[string]any); ok {
				stripClaudeKeys(m)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		stripClaudeKeys(items)
	}
}
