package alerts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk rule set.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// UnmarshalYAML enables rules that do not say otherwise.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	type plain Rule
	p := plain{Enabled: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// LoadRules reads and validates a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule set.
func ParseRules(data []byte) ([]Rule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Rules))
	for i, rule := range file.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("rule %d: duplicate id %q", i, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
		}
	}
	return file.Rules, nil
}
