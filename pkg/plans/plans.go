package plans

import (
	"fmt"
	"sort"
	"strings"
)

// Plan represents a subscription plan tier
type Plan string

const (
	Free   Plan = "FREE"
	Pro    Plan = "PRO"
	Agency Plan = "AGENCY"
)

// Feature is a plan-gated capability
type Feature string

const (
	FeatureAIReplies       Feature = "ai_replies"
	FeaturePDFExport       Feature = "pdf_export"
	FeatureCSVImport       Feature = "csv_import"
	FeatureWhiteLabel      Feature = "white_label"
	FeaturePrioritySupport Feature = "priority_support"
)

// Limits holds the quota values and feature flags of a plan
type Limits struct {
	MaxWorkspaces      int64            `json:"max_workspaces" yaml:"max_workspaces"`
	MaxLocations       int64            `json:"max_locations" yaml:"max_locations"`
	MonthlyGenerations int64            `json:"monthly_generations" yaml:"monthly_generations"`
	MaxUsers           int64            `json:"max_users" yaml:"max_users"`
	Features           map[Feature]bool `json:"features" yaml:"features"`
}

// HasFeature reports whether the feature is enabled
func (l Limits) HasFeature(f Feature) bool {
	return l.Features[f]
}

var table = map[Plan]Limits{
	Free: {
		MaxWorkspaces:      1,
		MaxLocations:       1,
		MonthlyGenerations: 50,
		MaxUsers:           1,
		Features:           map[Feature]bool{},
	},
	Pro: {
		MaxWorkspaces:      1,
		MaxLocations:       5,
		MonthlyGenerations: 1000,
		MaxUsers:           5,
		Features: map[Feature]bool{
			FeatureAIReplies: true,
			FeaturePDFExport: true,
			FeatureCSVImport: true,
		},
	},
	Agency: {
		MaxWorkspaces:      10,
		MaxLocations:       50,
		MonthlyGenerations: 10000,
		MaxUsers:           25,
		Features: map[Feature]bool{
			FeatureAIReplies:       true,
			FeaturePDFExport:       true,
			FeatureCSVImport:       true,
			FeatureWhiteLabel:      true,
			FeaturePrioritySupport: true,
		},
	},
}

// All returns every plan ordered from cheapest to most expensive
func All() []Plan {
	return []Plan{Free, Pro, Agency}
}

// Valid reports whether p is a known plan
func (p Plan) Valid() bool {
	_, ok := table[p]
	return ok
}

// LimitsFor returns a copy of the limits for a plan. Unknown plans get FREE limits.
func LimitsFor(p Plan) Limits {
	l, ok := table[p]
	if !ok {
		l = table[Free]
	}
	features := make(map[Feature]bool, len(l.Features))
	for k, v := range l.Features {
		features[k] = v
	}
	l.Features = features
	return l
}

// Table returns a copy of the full limits table
func Table() map[Plan]Limits {
	out := make(map[Plan]Limits, len(table))
	for _, p := range All() {
		out[p] = LimitsFor(p)
	}
	return out
}

// Parse converts a string into a Plan
func Parse(s string) (Plan, error) {
	p := Plan(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// FeatureList returns the enabled features in a stable order
func (l Limits) FeatureList() []Feature {
	out := make([]Feature, 0, len(l.Features))
	for f, on := range l.Features {
		if on {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
