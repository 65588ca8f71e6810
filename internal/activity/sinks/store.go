package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/activity"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// StoreSink persists activity through a store.ActivityRepository. Parsing
// events are collapsed per (source, category) within a batch to bound write
// volume.
type StoreSink struct {
	repo   store.ActivityRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ActivityRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume converts the batch to rows and appends them in one call.
func (s *StoreSink) Consume(ctx context.Context, batch []activity.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	rows := make([]store.ActivityRecord, 0, len(batch))
	parsed := make(map[parseKey]int)
	for _, evt := range batch {
		if evt.Kind == activity.KindParsing {
			key := parseKey{source: evt.Source, category: evt.Category}
			idx, ok := parsed[key]
			if !ok {
				parsed[key] = len(rows)
				rows = append(rows, toRecord(evt))
				continue
			}
			rows[idx].Items += evt.Items
			if evt.Page > rows[idx].Page {
				rows[idx].Page = evt.Page
			}
			if evt.TS.After(rows[idx].At) {
				rows[idx].At = evt.TS
			}
			continue
		}
		rows = append(rows, toRecord(evt))
	}
	if err := s.repo.AppendActivity(ctx, rows); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	s.logger.Debug("activity persisted", zap.Int("rows", len(rows)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type parseKey struct {
	source   string
	category string
}

func toRecord(evt activity.Event) store.ActivityRecord {
	return store.ActivityRecord{
		At:         evt.TS,
		Kind:       string(evt.Kind),
		Source:     evt.Source,
		SessionID:  evt.SessionID,
		Category:   evt.Category,
		Page:       evt.Page,
		URL:        evt.URL,
		Method:     evt.Method,
		StatusCode: evt.StatusCode,
		Duration:   evt.Dur,
		UsedProxy:  evt.UsedProxy,
		ProxyHost:  evt.ProxyHost,
		Attempts:   evt.Attempts,
		Items:      evt.Items,
		Operation:  evt.Operation,
		Message:    evt.Message,
		Fields:     evt.Fields,
	}
}
