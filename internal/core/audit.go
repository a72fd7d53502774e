package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"iqracore/internal/archive"
	"iqracore/pkg/domain"
)

// activityEvent describes the audit row a committed mutation produces.
type activityEvent struct {
	Action     string
	EntityType EntityType
	EntityID   string
	Details    map[string]any
}

// recordActivity appends the activity log row for a committed mutation. The
// append runs in its own transaction: the mutation has already committed and
// stays committed. A failed append degrades the operation instead of failing
// it; the degradation is logged, counted and surfaced as a warning on the
// result.
func (s *Service) recordActivity(ctx context.Context, actor Actor, res *Result, entry *AuditEntry, ev activityEvent) {
	log := ActivityLog{
		Action:     ev.Action,
		EntityType: ev.EntityType,
	}
	if ev.EntityID != "" {
		id := ev.EntityID
		log.EntityID = &id
	}
	if actor.ID != "" {
		uid := actor.ID
		log.UserID = &uid
	}
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err == nil {
			log.Details = raw
		}
	}

	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		_, appendErr := tx.AppendActivityLog(log)
		return appendErr
	})
	if err == nil {
		return
	}

	degraded := &domain.AuditDegradedError{Action: ev.Action, Err: err}
	s.logger.Error("activity log append failed",
		"operation", entry.Operation,
		"action", ev.Action,
		"entity_id", ev.EntityID,
		"error", err)
	s.metrics.ObserveAuditFailure(ctx, entry.Operation)
	entry.Status = AuditStatusDegraded
	res.Merge(Result{Violations: []Violation{{
		Rule:     "audit_append",
		Severity: SeverityWarn,
		Message:  degraded.Error(),
		Entity:   ev.EntityType,
		EntityID: ev.EntityID,
	}}})
}

// ArchiveActivityLogs exports audit rows older than the cutoff to the
// configured archive store, then removes them from the primary store. The
// rows are written as one JSON document before any deletion happens, so a
// failed export leaves the trail intact.
func (s *Service) ArchiveActivityLogs(ctx context.Context, actor Actor, before time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, opArchiveLogs)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opArchiveLogs, Entity: EntitySystem, Action: ActionDelete, ActorID: actor.ID}

	count, err := s.archiveActivityLogs(ctx, actor, before)
	return count, s.finish(ctx, span, started, entry, err)
}

func (s *Service) archiveActivityLogs(ctx context.Context, actor Actor, before time.Time) (int, error) {
	if s.archive == nil {
		return 0, errors.New("no archive store configured")
	}
	if err := s.policy.Authorize(actor, TableActivityLogs, OpDelete); err != nil {
		return 0, err
	}

	var expired []ActivityLog
	for _, log := range s.store.ListActivityLogs(domain.ActivityLogQuery{}) {
		if log.Timestamp.Before(before) {
			expired = append(expired, log)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(expired)
	if err != nil {
		return 0, fmt.Errorf("encode archive document: %w", err)
	}
	key := fmt.Sprintf("activity_logs/%s.json", before.UTC().Format("20060102T150405Z"))
	if _, err := s.archive.Put(ctx, key, bytes.NewReader(payload), archive.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"rows": fmt.Sprintf("%d", len(expired))},
	}); err != nil {
		return 0, fmt.Errorf("export archive document: %w", err)
	}

	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		for _, log := range expired {
			if err := tx.DeleteActivityLog(log.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("activity logs archived",
		"key", key,
		"rows", len(expired),
		"cutoff", before)
	return len(expired), nil
}
