// Package router decides which destination queues a parsed threat belongs
// on. Routing is a fixed registry of independent named predicates evaluated
// in order; the result is the union of matching queue memberships, so an
// item may fan out to several queues. Decisions are recomputed from the
// parsed threat on every call and are never cached.
package router

import (
	"charon/core"
)

// Predicate is a single queue-membership rule over a parsed threat.
type Predicate struct {
	Name  string
	Queue string
	Match func(*core.ParsedThreat) bool
}

// watchList is the threat-type intersection that qualifies an item for the
// priority-export queue.
var watchList = map[string]bool{
	"apt":        true,
	"ransomware": true,
	"zero-day":   true,
}

// Router evaluates the predicate registry over parsed threats.
type Router struct {
	predicates []Predicate
}

// New creates a router with the standard predicate registry.
func New() *Router {
	return &Router{
		predicates: []Predicate{
			{
				// Every item is made searchable.
				Name:  "always-vector",
				Queue: core.QueueVector,
				Match: func(*core.ParsedThreat) bool { return true },
			},
			{
				Name:  "graph-worthy",
				Queue: core.QueueGraph,
				Match: func(p *core.ParsedThreat) bool {
					return p.Severity.AtLeast(core.SeverityHigh) || len(p.CVEs) > 0 || len(p.Actors) > 0
				},
			},
			{
				Name:  "priority-watchlist",
				Queue: core.QueuePriorityExport,
				Match: func(p *core.ParsedThreat) bool {
					for _, tag := range p.ThreatTypes {
						if watchList[tag] {
							return true
						}
					}
					return false
				},
			},
		},
	}
}

// Route returns the ordered set of queue names the parsed threat should be
// enqueued on. Evaluating the same threat repeatedly yields the same set;
// duplicate enqueues are tolerated downstream.
func (r *Router) Route(parsed *core.ParsedThreat) []string {
	seen := make(map[string]bool)
	var queues []string
	for _, pred := range r.predicates {
		if !pred.Match(parsed) {
			continue
		}
		if !seen[pred.Queue] {
			seen[pred.Queue] = true
			queues = append(queues, pred.Queue)
		}
	}
	return queues
}

// Queues returns every queue name the registry can route to.
func (r *Router) Queues() []string {
	seen := make(map[string]bool)
	var queues []string
	for _, pred := range r.predicates {
		if !seen[pred.Queue] {
			seen[pred.Queue] = true
			queues = append(queues, pred.Queue)
		}
	}
	return queues
}
