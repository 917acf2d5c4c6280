package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"sitewarden/internal/domain"
	"sitewarden/internal/events"
	"sitewarden/internal/repo"
)

// Intervention links an observed metric change back to the action that may
// have caused it. Attribution is the caller's confidence in that link.
type Intervention struct {
	ActionID       string
	ActionCode     string
	ActionCategory string
	Attribution    float64
}

// DetectBreakages compares a current metric window against its baseline and
// classifies what moved. Metrics with an absolute rule configured are judged
// against their thresholds; everything else is judged by relative change.
// Detected events are persisted, fed into the knowledge base when attribution
// clears the floor, and rolled into the intervention's trust record.
func (e Engine) DetectBreakages(ctx context.Context, siteID string, current, baseline map[string]float64, window string, intervention *Intervention) ([]domain.OutcomeEvent, error) {
	if _, err := e.Repo.GetWebsite(ctx, siteID); err != nil {
		return nil, err
	}
	if window == "" {
		window = "7d"
	}

	var detected []domain.OutcomeEvent
	for key, newVal := range current {
		oldVal, ok := baseline[key]
		if !ok {
			continue
		}
		ev, hit := e.classifyMetric(siteID, key, oldVal, newVal, window)
		if hit {
			detected = append(detected, ev)
		}
	}
	if len(detected) == 0 {
		if intervention != nil && intervention.ActionCategory != "" {
			if _, err := e.RecordActionOutcome(ctx, siteID, intervention.ActionCategory, true, "system"); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	harmful := false
	for i := range detected {
		ev := &detected[i]
		if intervention != nil {
			ev.Context = map[string]any{
				"action_id":   intervention.ActionID,
				"action_code": intervention.ActionCode,
				"attribution": intervention.Attribution,
			}
		}
		if err := e.Repo.InsertOutcomeEvent(ctx, tx, *ev); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "outcome."+ev.EventType, siteID, "outcome_event", ev.ID, "system", events.EventPayload{
			"metric_key": ev.MetricKey, "severity": ev.Severity, "pct_change": ev.PctChange,
		}); err != nil {
			return nil, err
		}
		if ev.EventType != "improvement" {
			harmful = true
		}
		if intervention != nil && intervention.Attribution >= e.Config.Outcomes.AttributionFloor {
			if err := e.promoteKnowledge(ctx, tx, *ev, *intervention); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if intervention != nil && intervention.ActionCategory != "" {
		if _, err := e.RecordActionOutcome(ctx, siteID, intervention.ActionCategory, !harmful, "system"); err != nil {
			return nil, err
		}
	}
	return detected, nil
}

// classifyMetric applies the absolute rule for the metric when one exists,
// otherwise the relative rule. Absolute metrics are lower-is-better; relative
// metrics are higher-is-better.
func (e Engine) classifyMetric(siteID, key string, oldVal, newVal float64, window string) (domain.OutcomeEvent, bool) {
	oc := e.Config.Outcomes
	ev := domain.OutcomeEvent{
		ID:        uuid.New().String(),
		SiteID:    siteID,
		MetricKey: key,
		OldValue:  oldVal,
		NewValue:  newVal,
		Delta:     newVal - oldVal,
		Window:    window,
		CreatedAt: e.nowRFC(),
	}
	if oldVal != 0 {
		ev.PctChange = (newVal - oldVal) / math.Abs(oldVal) * 100
	}

	if rule, ok := oc.Absolute[key]; ok {
		switch {
		case newVal >= rule.Severe:
			ev.EventType = "breakage"
			ev.Severity = "high"
			return ev, true
		case newVal >= rule.Poor:
			ev.EventType = "regression"
			ev.Severity = "medium"
			return ev, true
		case oldVal >= rule.Poor && newVal < rule.Poor:
			ev.EventType = "improvement"
			ev.Severity = "low"
			return ev, true
		}
		return domain.OutcomeEvent{}, false
	}

	if oldVal == 0 {
		return domain.OutcomeEvent{}, false
	}
	drop := -ev.PctChange
	switch {
	case drop >= oc.RegressPct*oc.HighMultiple:
		ev.EventType = "breakage"
		ev.Severity = "high"
		return ev, true
	case drop >= oc.RegressPct*oc.MediumMultiple:
		ev.EventType = "regression"
		ev.Severity = "medium"
		return ev, true
	case drop >= oc.RegressPct:
		ev.EventType = "regression"
		ev.Severity = "low"
		return ev, true
	case ev.PctChange >= oc.RegressPct:
		ev.EventType = "improvement"
		ev.Severity = "low"
		return ev, true
	}
	return domain.OutcomeEvent{}, false
}

const knowledgeActivationFloor = 0.9

// promoteKnowledge records the lesson an outcome event teaches. A repeat
// observation of the same lesson corroborates the existing entry instead of
// creating another; confidence blends 70/30 toward the prior.
func (e Engine) promoteKnowledge(ctx context.Context, tx *sql.Tx, ev domain.OutcomeEvent, in Intervention) error {
	sourceID := fmt.Sprintf("%s:%s:%s", in.ActionCode, ev.MetricKey, ev.EventType)
	now := e.nowRFC()

	existing, err := e.Repo.GetKnowledgeBySourceEvent(ctx, tx, sourceID)
	switch {
	case err == nil:
		existing.Confidence = 0.7*existing.Confidence + 0.3*in.Attribution
		if existing.Status == "draft" && existing.Confidence >= knowledgeActivationFloor {
			existing.Status = "active"
		}
		existing.Evidence = domain.KnowledgeEvidence{
			EventID:     ev.ID,
			ActionID:    in.ActionID,
			BeforeValue: ev.OldValue,
			AfterValue:  ev.NewValue,
		}
		existing.UpdatedAt = now
		return e.Repo.UpdateKnowledgeEntry(ctx, tx, existing)
	case errors.Is(err, repo.ErrNotFound):
		entry := domain.KnowledgeEntry{
			ID:            uuid.New().String(),
			SourceEventID: sourceID,
			Status:        "draft",
			Confidence:    in.Attribution,
			Evidence: domain.KnowledgeEvidence{
				EventID:     ev.ID,
				ActionID:    in.ActionID,
				BeforeValue: ev.OldValue,
				AfterValue:  ev.NewValue,
			},
			Tags:      []string{ev.MetricKey, ev.EventType},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if entry.Confidence >= knowledgeActivationFloor {
			entry.Status = "active"
		}
		if ev.EventType == "improvement" {
			entry.RecommendedAction = in.ActionCode
		} else {
			entry.AvoidAction = in.ActionCode
			entry.Guardrail = fmt.Sprintf("monitor %s for %s after any %s", ev.MetricKey, e.guardrailWindow(ev.MetricKey), in.ActionCode)
		}
		return e.Repo.InsertKnowledgeEntry(ctx, tx, entry)
	default:
		return err
	}
}

// guardrailWindow picks a monitoring horizon matched to how fast the metric
// reacts to change.
func (e Engine) guardrailWindow(metricKey string) string {
	for _, m := range e.Config.Outcomes.FastMetrics {
		if m == metricKey {
			return "24h"
		}
	}
	for _, m := range e.Config.Outcomes.SlowMetrics {
		if m == metricKey {
			return "14d"
		}
	}
	return "7d"
}

// RecordMetricWindow stores a fresh snapshot set for a site and window so
// later detections can baseline against it.
func (e Engine) RecordMetricWindow(ctx context.Context, siteID, window string, values map[string]float64) error {
	if _, err := e.Repo.GetWebsite(ctx, siteID); err != nil {
		return err
	}
	now := e.nowRFC()
	for key, val := range values {
		if err := e.Repo.UpsertMetricSnapshot(ctx, domain.MetricSnapshot{
			SiteID:     siteID,
			Window:     window,
			MetricKey:  key,
			Value:      val,
			CapturedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}
