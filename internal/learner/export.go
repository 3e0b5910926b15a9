package learner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// exportDoc is the top-level YAML document shape ExportSuggestions
// writes, matching internal/policy.Store's expected "policies:" document
// so exported suggestions load directly via policy.Store.Load.
type exportDoc struct {
	Policies []map[string]interface{} `yaml:"policies"`
}

// ExportSuggestions writes every suggestion at confidence >= 0.5 to path
// as a "policies:" YAML document, loadable directly by policy.Store.Load
// (spec.md §8's learner round-trip property). It is a no-op (returns nil,
// writes nothing) when there are no suggestions meeting the threshold.
func (l *Learner) ExportSuggestions(path string) error {
	suggestions := l.GetSuggestions(0.5)
	if len(suggestions) == 0 {
		return nil
	}

	doc := exportDoc{Policies: make([]map[string]interface{}, 0, len(suggestions))}
	for _, s := range suggestions {
		if len(s.SuggestedPolicy) > 0 {
			doc.Policies = append(doc.Policies, s.SuggestedPolicy)
		}
	}
	if len(doc.Policies) == 0 {
		return nil
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("learner: marshal suggestions: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("learner: write %s: %w", path, err)
	}
	return nil
}
