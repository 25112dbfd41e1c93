package router

import (
	"testing"

	"charon/core"

	"github.com/stretchr/testify/assert"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name   string
		parsed *core.ParsedThreat
		want   []string
	}{
		{
			name:   "plain item only reaches vector",
			parsed: &core.ParsedThreat{Severity: core.SeverityMedium},
			want:   []string{core.QueueVector},
		},
		{
			name:   "high severity reaches graph",
			parsed: &core.ParsedThreat{Severity: core.SeverityHigh},
			want:   []string{core.QueueVector, core.QueueGraph},
		},
		{
			name:   "critical severity reaches graph",
			parsed: &core.ParsedThreat{Severity: core.SeverityCritical},
			want:   []string{core.QueueVector, core.QueueGraph},
		},
		{
			name:   "cve reaches graph regardless of severity",
			parsed: &core.ParsedThreat{Severity: core.SeverityLow, CVEs: []string{"CVE-2025-00001"}},
			want:   []string{core.QueueVector, core.QueueGraph},
		},
		{
			name:   "named actor reaches graph",
			parsed: &core.ParsedThreat{Severity: core.SeverityMedium, Actors: []string{"Sandworm"}},
			want:   []string{core.QueueVector, core.QueueGraph},
		},
		{
			name: "watch-list tag adds priority export",
			parsed: &core.ParsedThreat{
				Severity:    core.SeverityHigh,
				ThreatTypes: []string{"ransomware"},
			},
			want: []string{core.QueueVector, core.QueueGraph, core.QueuePriorityExport},
		},
		{
			name: "non-watch-list tag does not export",
			parsed: &core.ParsedThreat{
				Severity:    core.SeverityMedium,
				ThreatTypes: []string{"phishing"},
			},
			want: []string{core.QueueVector},
		},
	}

	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Route(tt.parsed))
		})
	}
}

func TestRoute_Deterministic(t *testing.T) {
	r := New()
	parsed := &core.ParsedThreat{
		Severity:    core.SeverityCritical,
		CVEs:        []string{"CVE-2025-00001"},
		ThreatTypes: []string{"zero-day"},
	}

	first := r.Route(parsed)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Route(parsed), "routing must be a pure function of the parsed threat")
	}
}

func TestQueues(t *testing.T) {
	r := New()
	assert.ElementsMatch(t,
		[]string{core.QueueVector, core.QueueGraph, core.QueuePriorityExport},
		r.Queues(),
	)
}
