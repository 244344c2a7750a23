package blackboard

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// requiredFields must be present in every index file's front-matter.
var requiredFields = []string{"name", "description", "usage_policy"}

// SplitFrontMatter separates a YAML front-matter block from the markdown
// body. The file must start with a "---" line; the block ends at the next
// "---" line.
func SplitFrontMatter(content string) (meta map[string]any, body string, err error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") && normalized != "---" {
		return nil, "", fmt.Errorf("index has no front-matter block (must start with ---)")
	}
	rest := strings.TrimPrefix(normalized, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, "", fmt.Errorf("front-matter block is not terminated by ---")
	}
	yamlBlock := rest[:end]
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	meta = map[string]any{}
	if err := yaml.Unmarshal([]byte(yamlBlock), &meta); err != nil {
		return nil, "", fmt.Errorf("front-matter is not valid YAML: %w", err)
	}
	return meta, body, nil
}

// ValidateFrontMatter checks the mandatory metadata fields.
func ValidateFrontMatter(meta map[string]any) error {
	var missing []string
	for _, f := range requiredFields {
		v, ok := meta[f]
		if !ok {
			missing = append(missing, f)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("front-matter missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RenderIndex serializes metadata + body back into on-disk index format.
func RenderIndex(meta map[string]any, body string) (string, error) {
	out, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal front-matter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(out)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimLeft(body, "\n"))
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}
