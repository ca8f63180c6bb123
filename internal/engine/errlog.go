package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/events"
)

func defaultSeverity(category string) string {
	switch category {
	case domain.CategoryResourceExhaustion:
		return domain.SeverityHigh
	case domain.CategoryAgentFailure:
		return domain.SeverityHigh
	case domain.CategoryAPIError:
		return domain.SeverityMedium
	case domain.CategoryCommunicationError:
		return domain.SeverityMedium
	case domain.CategorySystemError:
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

func validCategory(category string) bool {
	switch category {
	case domain.CategoryAPIError, domain.CategoryAgentFailure, domain.CategoryResourceExhaustion,
		domain.CategoryCommunicationError, domain.CategorySystemError:
		return true
	}
	return false
}

// RecordError logs an operational error. Repeated errors of one
// category for the same agent inside the escalation window are raised
// to critical.
func (e *Engine) RecordError(ctx context.Context, agentID *string, category, severity, message string) (domain.ErrorRecord, error) {
	if !validCategory(category) {
		return domain.ErrorRecord{}, fmt.Errorf("unknown error category %s", category)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrorRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.insertError(ctx, tx, agentID, category, severity, message)
	if err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

// recordErrorTx logs an error inside an existing transaction with the
// category's default severity.
func (e *Engine) recordErrorTx(ctx context.Context, tx *sql.Tx, agentID *string, category, message string) error {
	_, err := e.insertError(ctx, tx, agentID, category, "", message)
	return err
}

func (e *Engine) recordErrorTxSeverity(ctx context.Context, tx *sql.Tx, agentID *string, category, severity, message string) error {
	_, err := e.insertError(ctx, tx, agentID, category, severity, message)
	return err
}

func (e *Engine) insertError(ctx context.Context, tx *sql.Tx, agentID *string, category, severity, message string) (domain.ErrorRecord, error) {
	if severity == "" {
		severity = defaultSeverity(category)
	}
	now := e.now().UTC()
	escalated := false
	if severity != domain.SeverityCritical {
		window := time.Duration(e.Config.Errors.EscalationWindowSec) * time.Second
		since := now.Add(-window).Format(time.RFC3339)
		count, err := e.Repo.CountRecentErrors(ctx, tx, agentID, category, since)
		if err != nil {
			return domain.ErrorRecord{}, err
		}
		if count+1 >= e.Config.Errors.EscalationThreshold {
			severity = domain.SeverityCritical
			escalated = true
		}
	}
	ts := now.Format(time.RFC3339)
	rec := domain.ErrorRecord{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Category:   category,
		Severity:   severity,
		Message:    message,
		Resolution: domain.ResolutionOpen,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if err := e.Repo.InsertErrorRecord(ctx, tx, rec); err != nil {
		return rec, fmt.Errorf("insert error record: %w", err)
	}
	agent := ""
	if agentID != nil {
		agent = *agentID
	}
	evtType := "error.recorded"
	if escalated {
		evtType = "error.escalated"
	}
	if err := e.Events.Append(ctx, tx, evtType, "", "error", rec.ID, "governor", events.EventPayload{
		"category": category,
		"severity": severity,
		"agent":    agent,
	}); err != nil {
		return rec, err
	}
	return rec, nil
}

func ensureResolutionTransition(oldRes, newRes string) error {
	switch oldRes {
	case domain.ResolutionOpen:
		if newRes == domain.ResolutionInvestigating || newRes == domain.ResolutionResolved || newRes == domain.ResolutionIgnored {
			return nil
		}
	case domain.ResolutionInvestigating:
		if newRes == domain.ResolutionResolved || newRes == domain.ResolutionIgnored {
			return nil
		}
	}
	return fmt.Errorf("%w: resolution %s -> %s", ErrInvalidTransition, oldRes, newRes)
}

// ResolveError advances an error record through its resolution
// workflow.
func (e *Engine) ResolveError(ctx context.Context, errorID, resolution, actorID string) (domain.ErrorRecord, error) {
	rec, err := e.Repo.GetErrorRecord(ctx, errorID)
	if err != nil {
		return rec, err
	}
	if err := ensureResolutionTransition(rec.Resolution, resolution); err != nil {
		return rec, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateErrorResolution(ctx, tx, errorID, resolution, now); err != nil {
		return rec, err
	}
	if err := e.Events.Append(ctx, tx, "error.resolution", "", "error", errorID, actorID, events.EventPayload{
		"resolution": resolution,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	rec.Resolution = resolution
	rec.UpdatedAt = now
	return rec, nil
}
