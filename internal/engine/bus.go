package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tokengovernor/internal/domain"
	"tokengovernor/internal/events"
	"tokengovernor/internal/repo"
)

// Deliverer hands a message to its consumer. A non-nil error schedules
// a retry.
type Deliverer interface {
	Deliver(ctx context.Context, m domain.Message) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, m domain.Message) error

func (f DelivererFunc) Deliver(ctx context.Context, m domain.Message) error { return f(ctx, m) }

// MessageCreateOptions are parameters for enqueueing a message.
type MessageCreateOptions struct {
	Channel     string
	SenderID    string
	ReceiverID  string
	Type        string
	PayloadJSON string
	Priority    int
	MaxRetries  *int
	ExpiresAt   string
}

// EnqueueMessage validates and persists a message in pending state.
func (e *Engine) EnqueueMessage(ctx context.Context, opts MessageCreateOptions) (domain.Message, error) {
	if opts.Channel == "" {
		return domain.Message{}, errors.New("channel is required")
	}
	if opts.SenderID == "" {
		return domain.Message{}, errors.New("sender is required")
	}
	m := domain.Message{
		Channel:     opts.Channel,
		SenderID:    opts.SenderID,
		Type:        opts.Type,
		PayloadJSON: opts.PayloadJSON,
		Priority:    opts.Priority,
		ExpiresAt:   opts.ExpiresAt,
	}
	if opts.ReceiverID != "" {
		m.ReceiverID = &opts.ReceiverID
	}
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return domain.Message{}, errors.New("max retries must be >= 0")
		}
		m.MaxRetries = *opts.MaxRetries
	} else {
		m.MaxRetries = e.Config.Bus.MaxRetries
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	m, err = e.enqueueMessageTx(ctx, tx, m)
	if err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

func (e *Engine) enqueueMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) (domain.Message, error) {
	if m.Priority == 0 {
		m.Priority = 3
	}
	if m.Priority < 1 || m.Priority > 5 {
		return m, fmt.Errorf("priority must be between 1 and 5, got %d", m.Priority)
	}
	if m.Type == "" {
		m.Type = "notification"
	}
	if m.PayloadJSON == "" {
		m.PayloadJSON = "{}"
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = e.Config.Bus.MaxRetries
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := e.now().UTC()
	m.Status = domain.MessagePending
	m.CreatedAt = now.Format(time.RFC3339)
	m.NextAttemptAt = m.CreatedAt
	if m.ExpiresAt == "" {
		m.ExpiresAt = now.Add(time.Duration(e.Config.Bus.ExpirySeconds) * time.Second).Format(time.RFC3339)
	}
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return m, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// DispatchNext delivers at most one message from a channel: highest
// priority first, then enqueue order. Channels are single-consumer, so
// dispatch for a given channel is serialized.
func (e *Engine) DispatchNext(ctx context.Context, channel string, d Deliverer) (*domain.Message, error) {
	mu := e.channels.forChannel(channel)
	mu.Lock()
	defer mu.Unlock()

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	m, err := e.Repo.NextPendingMessage(ctx, tx, channel, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := e.Repo.UpdateMessageStatus(ctx, tx, m.ID, domain.MessageProcessing, m.RetryCount, m.NextAttemptAt, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	m.Status = domain.MessageProcessing

	deliverErr := d.Deliver(ctx, m)

	tx2, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return &m, err
	}
	defer tx2.Rollback()
	doneAt := e.nowRFC3339()
	if deliverErr == nil {
		if err := e.Repo.UpdateMessageStatus(ctx, tx2, m.ID, domain.MessageDelivered, m.RetryCount, m.NextAttemptAt, &doneAt); err != nil {
			return &m, err
		}
		if err := e.Events.Append(ctx, tx2, "message.delivered", "", "message", m.ID, "bus", events.EventPayload{
			"channel": channel,
			"type":    m.Type,
		}); err != nil {
			return &m, err
		}
		if err := tx2.Commit(); err != nil {
			return &m, err
		}
		m.Status = domain.MessageDelivered
		m.DeliveredAt = &doneAt
		return &m, nil
	}

	if m.RetryCount >= m.MaxRetries {
		if err := e.Repo.UpdateMessageStatus(ctx, tx2, m.ID, domain.MessageFailed, m.RetryCount, m.NextAttemptAt, nil); err != nil {
			return &m, err
		}
		if err := e.recordErrorTx(ctx, tx2, m.ReceiverID, domain.CategoryCommunicationError,
			fmt.Sprintf("message %s on %s undeliverable after %d retries: %v", m.ID, channel, m.MaxRetries, deliverErr)); err != nil {
			return &m, err
		}
		if err := e.Events.Append(ctx, tx2, "message.failed", "", "message", m.ID, "bus", events.EventPayload{
			"channel": channel,
			"retries": m.RetryCount,
		}); err != nil {
			return &m, err
		}
		if err := tx2.Commit(); err != nil {
			return &m, err
		}
		m.Status = domain.MessageFailed
		return &m, nil
	}

	// The count advances only when another attempt is scheduled, so a
	// stored retry_count never exceeds max_retries. Backoff doubles per
	// attempt.
	m.RetryCount++
	backoff := time.Duration(e.Config.Bus.BackoffBaseMillis) * time.Millisecond << (m.RetryCount - 1)
	next := e.now().UTC().Add(backoff).Format(time.RFC3339)
	if err := e.Repo.UpdateMessageStatus(ctx, tx2, m.ID, domain.MessagePending, m.RetryCount, next, nil); err != nil {
		return &m, err
	}
	if err := tx2.Commit(); err != nil {
		return &m, err
	}
	m.Status = domain.MessagePending
	m.NextAttemptAt = next
	return &m, nil
}

// SweepExpired marks pending messages past their expiry as expired.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.ExpireMessages(ctx, tx, e.nowRFC3339())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := e.Events.Append(ctx, tx, "messages.expired", "", "message", "", "bus", events.EventPayload{"count": n}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// RunChannel polls a channel and delivers messages until the context is
// cancelled. Intended to run on its own goroutine per channel.
func (e *Engine) RunChannel(ctx context.Context, channel string, d Deliverer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			m, err := e.DispatchNext(ctx, channel, d)
			if err != nil {
				return err
			}
			if m == nil {
				break
			}
		}
	}
}
