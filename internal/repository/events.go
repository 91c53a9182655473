package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	"hostpanel/internal/model"
)

// EventLog durably records lifecycle events. Recording the same event id
// twice is a no-op.
type EventLog interface {
	Record(ctx context.Context, event model.LifecycleEvent) error
}

type PostgresEventLog struct {
	dbPool *pgxpool.Pool
}

func NewPostgresEventLog(db *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{dbPool: db}
}

func (l *PostgresEventLog) Record(ctx context.Context, e model.LifecycleEvent) error {
	query := `
		INSERT INTO instance_events (event_id, type, account_id, instance_id, remote_id, surface, amount, detail, occurred_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		ON CONFLICT (event_id) DO NOTHING`

	if _, err := l.dbPool.Exec(ctx, query,
		e.ID, e.Type, e.AccountID, e.InstanceID, e.RemoteID, e.Surface, e.Amount, e.Detail, e.OccurredAt,
	); err != nil {
		return fmt.Errorf("record event %s: %w", e.ID, err)
	}
	return nil
}

type eventDoc struct {
	ID         string    `bson:"_id"`
	Type       string    `bson:"type"`
	AccountID  string    `bson:"accountId"`
	InstanceID string    `bson:"instanceId,omitempty"`
	RemoteID   string    `bson:"remoteId,omitempty"`
	Surface    string    `bson:"surface,omitempty"`
	Amount     string    `bson:"amount,omitempty"`
	Detail     string    `bson:"detail,omitempty"`
	OccurredAt time.Time `bson:"occurredAt"`
	RecordedAt time.Time `bson:"recordedAt"`
}

type MongoEventLog struct {
	events *mongo.Collection
}

func NewMongoEventLog(db *mongo.Database) *MongoEventLog {
	return &MongoEventLog{events: db.Collection("instance_events")}
}

func (l *MongoEventLog) Record(ctx context.Context, e model.LifecycleEvent) error {
	_, err := l.events.InsertOne(ctx, eventDoc{
		ID: e.ID, Type: e.Type, AccountID: e.AccountID, InstanceID: e.InstanceID, RemoteID: e.RemoteID,
		Surface: e.Surface, Amount: e.Amount, Detail: e.Detail, OccurredAt: e.OccurredAt, RecordedAt: time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.ID, err)
	}
	return nil
}

// LogEventLog writes events to the structured log only. Used with the memory store.
type LogEventLog struct{}

func (LogEventLog) Record(ctx context.Context, e model.LifecycleEvent) error {
	log.Info().
		Str("event_id", e.ID).
		Str("type", e.Type).
		Str("account_id", e.AccountID).
		Str("instance_id", e.InstanceID).
		Str("surface", e.Surface).
		Msg("Lifecycle event")
	return nil
}
