package billing

import (
	"fmt"
	"time"
)

// Rule is a live pricing rule from the catalog.
type Rule struct {
	ID         string
	Name       string
	IsActive   bool
	Expression string

	// Variables are the rule's constants, addressable from the expression.
	Variables map[string]float64

	// DimensionMappings translate a string dimension value into a numeric
	// variable, e.g. resolution "1080p" → 1.5. The mapped value is exposed
	// to the expression under the dimension's name.
	DimensionMappings map[string]map[string]float64

	// RequiredDimensions must all be collected before finalization; in
	// strict mode a missing one fails the task.
	RequiredDimensions []string
}

// Snapshot is a rule frozen at task submit. Only snapshot fields take part
// in finalization.
type Snapshot struct {
	RuleID     string                        `json:"rule_id"`
	RuleName   string                        `json:"rule_name"`
	Expression string                        `json:"expression"`
	Variables  map[string]float64            `json:"variables,omitempty"`
	Mappings   map[string]map[string]float64 `json:"dimension_mappings,omitempty"`
	Required   []string                      `json:"required_dimensions,omitempty"`
	FrozenAt   time.Time                     `json:"frozen_at"`
}

// Freeze copies the rule into an immutable snapshot.
func Freeze(r *Rule, now time.Time) *Snapshot {
	s := &Snapshot{
		RuleID:     r.ID,
		RuleName:   r.Name,
		Expression: r.Expression,
		Variables:  make(map[string]float64, len(r.Variables)),
		Mappings:   make(map[string]map[string]float64, len(r.DimensionMappings)),
		Required:   append([]string(nil), r.RequiredDimensions...),
		FrozenAt:   now,
	}
	for k, v := range r.Variables {
		s.Variables[k] = v
	}
	for dim, m := range r.DimensionMappings {
		cp := make(map[string]float64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		s.Mappings[dim] = cp
	}
	return s
}

// Evaluate prices the collected dimensions against the snapshot. Numeric
// dimensions become expression variables directly; string dimensions go
// through the snapshot's mappings. In strict mode a missing required
// dimension or an unmappable value is an error and the cost is void.
func (s *Snapshot) Evaluate(dimensions map[string]any, strict bool) (float64, error) {
	vars := make(map[string]float64, len(s.Variables)+len(dimensions))
	for k, v := range s.Variables {
		vars[k] = v
	}

	for name, raw := range dimensions {
		switch v := raw.(type) {
		case float64:
			vars[name] = v
		case int:
			vars[name] = float64(v)
		case int64:
			vars[name] = float64(v)
		case string:
			mapping, ok := s.Mappings[name]
			if !ok {
				if strict {
					return 0, fmt.Errorf("dimension %q has no mapping", name)
				}
				continue
			}
			mapped, ok := mapping[normalizeDimension(v)]
			if !ok {
				if strict {
					return 0, fmt.Errorf("dimension %q value %q not mapped", name, v)
				}
				continue
			}
			vars[name] = mapped
		default:
			if strict {
				return 0, fmt.Errorf("dimension %q has unsupported type %T", name, raw)
			}
		}
	}

	for _, req := range s.Required {
		if _, ok := vars[req]; !ok {
			if strict {
				return 0, fmt.Errorf("required dimension %q missing", req)
			}
			vars[req] = 0
		}
	}

	cost, err := evalExpr(s.Expression, vars)
	if err != nil {
		return 0, fmt.Errorf("evaluate billing expression: %w", err)
	}
	if cost < 0 {
		return 0, fmt.Errorf("billing expression produced negative cost %v", cost)
	}
	return cost, nil
}
