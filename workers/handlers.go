package workers

import (
	"context"
	"fmt"

	"charon/broker"
	"charon/core"
	"charon/stix"
	"charon/storage"

	"go.uber.org/zap"
)

// VectorHandler writes parsed threats into the vector store.
type VectorHandler struct {
	broker *broker.Broker
	store  storage.VectorStore
}

// NewVectorHandler creates the handler for the vector destination.
func NewVectorHandler(b *broker.Broker, store storage.VectorStore) *VectorHandler {
	return &VectorHandler{broker: b, store: store}
}

func (h *VectorHandler) Process(ctx context.Context, itemID string) error {
	var parsed core.ParsedThreat
	found, err := h.broker.GetJSON(ctx, broker.ParsedKey(itemID), &parsed)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: parsed record for item %s", ErrPayloadGone, itemID)
	}

	// The bundle enriches the record but the write does not depend on it.
	var bundle stix.Bundle
	bundlePtr := &bundle
	if found, err := h.broker.GetJSON(ctx, broker.BundleKey(itemID), &bundle); err != nil || !found {
		bundlePtr = nil
	}
	return h.store.UpsertThreat(ctx, &parsed, bundlePtr)
}

// GraphHandler writes interchange bundles into the graph store. When the
// stored bundle has expired it reconverts from the parsed record.
type GraphHandler struct {
	broker    *broker.Broker
	converter *stix.Converter
	store     storage.GraphStore
	logger    *zap.SugaredLogger
}

// NewGraphHandler creates the handler for the graph destination.
func NewGraphHandler(b *broker.Broker, converter *stix.Converter, store storage.GraphStore, logger *zap.SugaredLogger) *GraphHandler {
	return &GraphHandler{broker: b, converter: converter, store: store, logger: logger}
}

func (h *GraphHandler) Process(ctx context.Context, itemID string) error {
	bundle, err := h.loadBundle(ctx, itemID)
	if err != nil {
		return err
	}
	return h.store.WriteBundle(ctx, itemID, bundle)
}

func (h *GraphHandler) loadBundle(ctx context.Context, itemID string) (*stix.Bundle, error) {
	var bundle stix.Bundle
	found, err := h.broker.GetJSON(ctx, broker.BundleKey(itemID), &bundle)
	if err != nil {
		return nil, err
	}
	if found {
		return &bundle, nil
	}

	var parsed core.ParsedThreat
	found, err = h.broker.GetJSON(ctx, broker.ParsedKey(itemID), &parsed)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: neither bundle nor parsed record for item %s", ErrPayloadGone, itemID)
	}

	h.logger.Infof("Reconverting expired bundle for item %s", itemID)
	rebuilt, err := h.converter.Convert(&parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to reconvert item %s: %w", itemID, err)
	}
	return rebuilt, nil
}

// ExportHandler hands priority bundles to the configured exporter.
type ExportHandler struct {
	broker   *broker.Broker
	exporter storage.BundleExporter
}

// NewExportHandler creates the handler for the priority export destination.
func NewExportHandler(b *broker.Broker, exporter storage.BundleExporter) *ExportHandler {
	return &ExportHandler{broker: b, exporter: exporter}
}

func (h *ExportHandler) Process(ctx context.Context, itemID string) error {
	var bundle stix.Bundle
	found, err := h.broker.GetJSON(ctx, broker.BundleKey(itemID), &bundle)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: bundle for item %s", ErrPayloadGone, itemID)
	}
	return h.exporter.Export(ctx, itemID, &bundle)
}
