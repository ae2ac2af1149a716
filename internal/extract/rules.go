package extract

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rules extends the built-in tables. Loaded from YAML:
//
//	deny: ["654321"]
//	patterns:
//	  - name: steam_guard
//	    tier: high
//	    regex: '(?i)steam guard code[\s:]*(\d{5})'
type Rules struct {
	Deny     []string      `yaml:"deny"`
	Patterns []PatternRule `yaml:"patterns"`
}

// PatternRule is a custom pattern as written in the rules file
type PatternRule struct {
	Name  string `yaml:"name"`
	Tier  string `yaml:"tier"`
	Regex string `yaml:"regex"`
}

// LoadRules reads a rules file. An empty path yields empty rules.
func LoadRules(path string) (Rules, error) {
	var rules Rules
	if path == "" {
		return rules, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("failed to read extractor rules: %w", err)
	}
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse extractor rules: %w", err)
	}
	if _, err := rules.compile(); err != nil {
		return rules, err
	}
	return rules, nil
}

func (r Rules) compile() ([]Pattern, error) {
	out := make([]Pattern, 0, len(r.Patterns))
	for i, pr := range r.Patterns {
		name := pr.Name
		if name == "" {
			name = fmt.Sprintf("custom_%d", i)
		}
		tier, err := ParseTier(pr.Tier)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", name, err)
		}
		re, err := regexp.Compile(pr.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", name, err)
		}
		if re.NumSubexp() != 1 {
			return nil, fmt.Errorf("pattern %s: expected exactly one capture group, got %d", name, re.NumSubexp())
		}
		out = append(out, Pattern{Name: name, Tier: tier, Regexp: re})
	}
	return out, nil
}
