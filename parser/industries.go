package parser

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// IndustryUnclassified is assigned when no industry keyword matches. Items
// are tagged rather than dropped.
const IndustryUnclassified = "unclassified"

// IndustryTable maps lowercase keywords to target-industry tags.
type IndustryTable struct {
	keywords map[string]string
}

// defaultIndustryKeywords is the built-in keyword-to-industry lookup.
var defaultIndustryKeywords = map[string][]string{
	"finance":        {"bank", "banking", "fintech", "financial", "insurance", "payment", "swift", "atm", "cryptocurrency", "exchange"},
	"healthcare":     {"hospital", "healthcare", "medical", "patient", "pharma", "clinic", "ehr"},
	"energy":         {"power grid", "energy", "utility", "utilities", "oil", "gas", "pipeline", "nuclear", "scada"},
	"government":     {"government", "federal", "ministry", "municipal", "embassy", "defense", "military", "election"},
	"technology":     {"software", "saas", "cloud provider", "semiconductor", "telecom", "telecommunications", "isp", "data center"},
	"manufacturing":  {"manufacturing", "factory", "industrial", "automotive", "aerospace", "ics", "plc"},
	"retail":         {"retail", "e-commerce", "ecommerce", "point-of-sale", "pos system"},
	"education":      {"university", "school", "education", "academic", "research institute"},
	"transportation": {"airline", "airport", "railway", "shipping", "logistics", "maritime", "port authority"},
	"media":          {"news outlet", "broadcaster", "media company", "publishing"},
}

// DefaultIndustryTable returns the built-in keyword-to-industry table.
func DefaultIndustryTable() *IndustryTable {
	return newIndustryTable(defaultIndustryKeywords)
}

// LoadIndustryTable reads a keyword-to-industry table from a YAML file of
// the shape `industry: [keyword, ...]`.
func LoadIndustryTable(path string) (*IndustryTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read industry table %s: %w", path, err)
	}
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse industry table %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("industry table %s contains no entries", path)
	}
	return newIndustryTable(raw), nil
}

func newIndustryTable(byIndustry map[string][]string) *IndustryTable {
	keywords := make(map[string]string)
	for industry, words := range byIndustry {
		for _, w := range words {
			keywords[strings.ToLower(w)] = strings.ToLower(industry)
		}
	}
	return &IndustryTable{keywords: keywords}
}

// Tag returns the ordered set of industries whose keywords appear in the
// lowercased text, or [unclassified] when none match.
func (t *IndustryTable) Tag(lower string) []string {
	seen := make(map[string]bool)
	for keyword, industry := range t.keywords {
		if strings.Contains(lower, keyword) {
			seen[industry] = true
		}
	}
	if len(seen) == 0 {
		return []string{IndustryUnclassified}
	}
	industries := make([]string, 0, len(seen))
	for industry := range seen {
		industries = append(industries, industry)
	}
	sort.Strings(industries)
	return industries
}
