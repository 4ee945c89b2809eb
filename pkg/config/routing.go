package config

import (
	"fmt"
	"regexp"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// RoutingRule maps task types matching Pattern to a backend. Rules are
// evaluated in declaration order; the first match wins.
type RoutingRule struct {
	Pattern string           `yaml:"pattern" json:"pattern"`
	Backend models.ModelType `yaml:"backend" json:"backend"`

	re *regexp.Regexp
}

// Matches reports whether taskType matches the rule's compiled pattern.
func (r *RoutingRule) Matches(taskType string) bool {
	return r.re != nil && r.re.MatchString(taskType)
}

// RoutingTable is the ordered rule list plus the default backend used when
// no rule matches. The table is data, not control flow: it is loaded from
// configuration at process start and is immutable afterwards.
type RoutingTable struct {
	Rules   []RoutingRule    `yaml:"rules" json:"rules"`
	Default models.ModelType `yaml:"default" json:"default"`
}

// Resolve returns the backend for taskType.
func (t *RoutingTable) Resolve(taskType string) models.ModelType {
	for i := range t.Rules {
		if t.Rules[i].Matches(taskType) {
			return t.Rules[i].Backend
		}
	}
	if t.Default != "" {
		return t.Default
	}
	return models.ModelLocalFastTriage
}

// compile compiles every rule pattern; invalid patterns fail loading.
func (t *RoutingTable) compile() error {
	for i := range t.Rules {
		re, err := regexp.Compile(t.Rules[i].Pattern)
		if err != nil {
			return fmt.Errorf("routing rule %d (%q): %w", i, t.Rules[i].Pattern, err)
		}
		t.Rules[i].re = re
	}
	return nil
}
