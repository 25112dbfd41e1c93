package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"charon/stix"

	"go.uber.org/zap"
)

// JSONLExporter appends one JSON line per priority bundle to a writer,
// typically a file handed in by bootstrap. Re-export of the same bundle id
// is suppressed so redelivery does not duplicate lines.
type JSONLExporter struct {
	w        io.Writer
	mu       sync.Mutex
	exported map[string]bool
	logger   *zap.SugaredLogger
}

// NewJSONLExporter creates an exporter writing to w.
func NewJSONLExporter(w io.Writer, logger *zap.SugaredLogger) *JSONLExporter {
	return &JSONLExporter{
		w:        w,
		exported: make(map[string]bool),
		logger:   logger,
	}
}

// Export writes the bundle as a single JSON line.
func (e *JSONLExporter) Export(_ context.Context, itemID string, bundle *stix.Bundle) error {
	if bundle == nil {
		return ErrNilBundle
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exported[itemID] {
		e.logger.Debugf("Skipping re-export of item %s", itemID)
		return nil
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to serialize bundle for item %s: %w", itemID, err)
	}
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write export line for item %s: %w", itemID, err)
	}
	e.exported[itemID] = true
	return nil
}
