package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	appctx "markhub/internal/core/context"
	"markhub/internal/core/id"
	"markhub/internal/domain/markingcode"
	"markhub/pkg/compress"
	"markhub/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Event types written to the outbox.
const (
	EventTypeStatusChanged = "marking_code.status_changed"

	aggregateMarkingCode = "marking_code"
)

// DefaultMaxRetries is the number of failed sends before a message is failed.
const DefaultMaxRetries = 5

// OutboxMessage is a row of sys_outbox.
type OutboxMessage struct {
	ID            id.ID             `db:"id"`
	AggregateType string            `db:"aggregate_type"`
	AggregateID   id.ID             `db:"aggregate_id"`
	EventType     string            `db:"event_type"`
	Payload       []byte            `db:"payload"`
	Encoding      compress.Encoding `db:"encoding"`
	Attributes    map[string]string `db:"attributes"`
	Status        OutboxStatus      `db:"status"`
	RetryCount    int               `db:"retry_count"`
	LastError     *string           `db:"last_error"`
	NextRetryAt   *time.Time        `db:"next_retry_at"`
	CreatedAt     time.Time         `db:"created_at"`
	PublishedAt   *time.Time        `db:"published_at"`
}

var outboxColumns = joinColumns(ExtractDBColumns[OutboxMessage]())

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}

var _ markingcode.EventPublisher = (*Outbox)(nil)

// Outbox writes status changes into sys_outbox inside the transaction that
// made them, so an event exists if and only if the transition committed.
type Outbox struct {
	txManager *TxManager
	codec     *compress.Codec
}

// NewOutbox creates an outbox writer.
func NewOutbox(txManager *TxManager, codec *compress.Codec) *Outbox {
	return &Outbox{txManager: txManager, codec: codec}
}

// PublishStatusChanged implements markingcode.EventPublisher.
func (o *Outbox) PublishStatusChanged(ctx context.Context, event markingcode.StatusChanged) error {
	t := o.txManager.GetTx(ctx)
	if t == nil {
		return fmt.Errorf("outbox publish requires transaction context")
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}
	payload, enc := o.codec.Encode(raw)

	attrs := appctx.TraceAttributes(ctx)
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["transition"] = string(event.Transition)
	attrs["status"] = string(event.To)

	_, err = t.Exec(ctx, `
		INSERT INTO sys_outbox (id, aggregate_type, aggregate_id, event_type, payload, encoding, attributes, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id.New(), aggregateMarkingCode, event.CodeID, EventTypeStatusChanged, payload, enc, attrs, OutboxStatusPending, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// OutboxSink delivers one message to the broker.
type OutboxSink interface {
	Send(ctx context.Context, msg *OutboxMessage) error
}

// OutboxRelay moves pending messages to the broker. Several relays may run
// at once; SKIP LOCKED keeps them off each other's rows.
type OutboxRelay struct {
	txManager  *TxManager
	sink       OutboxSink
	batchSize  int
	maxRetries int
}

// NewOutboxRelay creates a relay.
func NewOutboxRelay(txManager *TxManager, sink OutboxSink, batchSize int) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		txManager:  txManager,
		sink:       sink,
		batchSize:  batchSize,
		maxRetries: DefaultMaxRetries,
	}
}

// ProcessBatch sends up to batchSize due messages and returns how many
// were published.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	published := 0
	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		q := r.txManager.GetQuerier(ctx)

		var messages []*OutboxMessage
		err := pgxscan.Select(ctx, q, &messages, `
			SELECT `+outboxColumns+`
			FROM sys_outbox
			WHERE status = $1
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, OutboxStatusPending, r.batchSize)
		if err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}

		for _, msg := range messages {
			if err := r.sink.Send(ctx, msg); err != nil {
				logger.Warn(ctx, "outbox send failed", "message_id", msg.ID, "retry", msg.RetryCount, "error", err)
				if err := r.markFailed(ctx, q, msg, err); err != nil {
					return err
				}
				continue
			}
			_, err := q.Exec(ctx, `
				UPDATE sys_outbox SET status = $1, published_at = NOW() WHERE id = $2
			`, OutboxStatusPublished, msg.ID)
			if err != nil {
				return fmt.Errorf("mark published: %w", err)
			}
			published++
		}
		return nil
	})
	return published, err
}

func (r *OutboxRelay) markFailed(ctx context.Context, q Querier, msg *OutboxMessage, sendErr error) error {
	status := OutboxStatusPending
	if msg.RetryCount+1 >= r.maxRetries {
		status = OutboxStatusFailed
	}
	_, err := q.Exec(ctx, `
		UPDATE sys_outbox
		SET retry_count = retry_count + 1,
		    last_error = $1,
		    next_retry_at = $2,
		    status = $3
		WHERE id = $4
	`, sendErr.Error(), time.Now().UTC().Add(Backoff(msg.RetryCount)), status, msg.ID)
	if err != nil {
		return fmt.Errorf("update failed message: %w", err)
	}
	return nil
}

// Backoff returns the delay before the retry following attempt (0-based).
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<attempt) * 15 * time.Second
}

// MoveToDLQ moves failed messages to sys_outbox_dlq.
func (r *OutboxRelay) MoveToDLQ(ctx context.Context) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM sys_outbox
			WHERE status = $1
			RETURNING *
		)
		INSERT INTO sys_outbox_dlq
		SELECT *, NOW() AS failed_at FROM moved
	`, OutboxStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("move to DLQ: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgePublished deletes published messages older than before.
func (r *OutboxRelay) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_outbox WHERE status = $1 AND published_at < $2
	`, OutboxStatusPublished, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge published: %w", err)
	}
	return result.RowsAffected(), nil
}
