// Package source delivers ordered batches of payment events to the control loop.
package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Batch is one delivery from a source. Undecodable counts payloads that never became events.
type Batch struct {
	Events      []models.Event
	Undecodable int

	commit func(ctx context.Context) error
}

// Source yields event batches. Next returns io.EOF once a finite source is exhausted.
// Commit acknowledges a batch after the loop has processed it.
type Source interface {
	Next(ctx context.Context) (Batch, error)
	Commit(ctx context.Context, batch Batch) error
	Close() error
}

// wireEvent accepts the timestamp as a string so the space-separated layout used by
// exported datasets decodes as well as RFC 3339.
type wireEvent struct {
	models.Event
	Timestamp string `json:"timestamp"`
}

// DecodeEvent parses one JSON event. Field validation is left to the ingest step.
func DecodeEvent(data []byte) (models.Event, error) {
	var raw wireEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Event{}, fmt.Errorf("decode event: %w", err)
	}
	event := raw.Event
	if raw.Timestamp != "" {
		ts, err := utils.ParseTimestamp(raw.Timestamp)
		if err != nil {
			return models.Event{}, fmt.Errorf("decode event %s: %w", event.TransactionID, err)
		}
		event.Timestamp = ts
	}
	return event, nil
}
