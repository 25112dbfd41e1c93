// Package pipeline composes the synchronous half of the system: gate,
// parser, converter and router run in-line on submission, then the item is
// fanned out onto the destination queues for the asynchronous workers.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"charon/broker"
	"charon/core"
	"charon/ingest"
	"charon/metrics"
	"charon/parser"
	"charon/router"
	"charon/status"
	"charon/stix"

	"go.uber.org/zap"
)

// Result summarizes what happened to one submitted record.
type Result struct {
	ItemID       string   `json:"item_id"`
	Deduplicated bool     `json:"deduplicated"`
	Queues       []string `json:"queues,omitempty"`
}

// Service runs records through ingestion, parsing, conversion and routing.
type Service struct {
	gate      *ingest.Gate
	parser    *parser.Parser
	converter *stix.Converter
	router    *router.Router
	broker    *broker.Broker
	tracker   *status.Tracker
	parsedTTL time.Duration
	logger    *zap.SugaredLogger
}

// New creates the pipeline service.
func New(gate *ingest.Gate, p *parser.Parser, converter *stix.Converter, r *router.Router,
	b *broker.Broker, tracker *status.Tracker, parsedTTL time.Duration, logger *zap.SugaredLogger) *Service {
	return &Service{
		gate:      gate,
		parser:    p,
		converter: converter,
		router:    r,
		broker:    b,
		tracker:   tracker,
		parsedTTL: parsedTTL,
		logger:    logger,
	}
}

// Submit runs one record through the synchronous stages and enqueues it for
// the destination workers. Duplicates return early with the existing item
// identifier. A conversion failure is not fatal: the parsed record survives
// and routing proceeds, the graph worker reconverts on its own if needed.
func (s *Service) Submit(ctx context.Context, record *core.RawRecord) (*Result, error) {
	itemID, dup, err := s.gate.Ingest(ctx, record)
	if err != nil {
		return nil, err
	}
	if dup {
		return &Result{ItemID: itemID, Deduplicated: true}, nil
	}

	parsed := s.parser.Parse(itemID, record)
	if err := s.broker.SetJSON(ctx, broker.ParsedKey(itemID), parsed, s.parsedTTL); err != nil {
		return nil, fmt.Errorf("failed to store parsed record for item %s: %w", itemID, err)
	}
	if err := s.tracker.MarkStage(ctx, itemID, core.StageParsed); err != nil {
		s.logger.Errorf("Failed to mark parsed stage for item %s: %v", itemID, err)
	}

	bundle, err := s.converter.Convert(parsed)
	if err != nil {
		s.logger.Errorw("Conversion failed, keeping parsed record",
			"item_id", itemID,
			"error", err,
		)
	} else {
		if err := s.broker.SetJSON(ctx, broker.BundleKey(itemID), bundle, s.parsedTTL); err != nil {
			return nil, fmt.Errorf("failed to store bundle for item %s: %w", itemID, err)
		}
		if err := s.tracker.MarkStage(ctx, itemID, core.StageConverted); err != nil {
			s.logger.Errorf("Failed to mark converted stage for item %s: %v", itemID, err)
		}
	}

	queues := s.router.Route(parsed)
	for _, queue := range queues {
		if err := s.broker.Push(ctx, queue, itemID); err != nil {
			return nil, fmt.Errorf("failed to enqueue item %s for %s: %w", itemID, queue, err)
		}
		metrics.RoutingDecisions.WithLabelValues(queue).Inc()
	}

	s.logger.Infow("Routed item",
		"item_id", itemID,
		"severity", parsed.Severity,
		"queues", queues,
	)
	return &Result{ItemID: itemID, Queues: queues}, nil
}

// Status returns the processing record for an item.
func (s *Service) Status(ctx context.Context, itemID string) (*status.ItemStatus, error) {
	return s.tracker.Get(ctx, itemID)
}
