// Package scan stores the append-only stream of Bluetooth proximity
// reports in the document store.
package scan

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"rollcall/internal/detect"
)

// ScannedDevice is one neighbor observation.
type ScannedDevice struct {
	DeviceID string `bson:"device_id" json:"device_id"`
	RSSI     int    `bson:"rssi" json:"rssi"`
}

// Log is one device's proximity report for one round. Immutable once written.
type Log struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DeviceID        string             `bson:"device_id" json:"device_id"`
	SubmitterUserID string             `bson:"submitter_user_id" json:"submitter_user_id"`
	SessionID       string             `bson:"session_id" json:"session_id"`
	// RoundID is empty when the scan arrived outside every open round's
	// window; the report is kept but counts toward nothing.
	RoundID   string          `bson:"round_id,omitempty" json:"round_id,omitempty"`
	Timestamp time.Time       `bson:"timestamp" json:"timestamp"`
	Scanned   []ScannedDevice `bson:"scanned_devices" json:"scanned_devices"`
	CreatedAt time.Time       `bson:"created_at" json:"created_at"`
}

// Repository persists scan logs in Mongo.
type Repository struct {
	col *mongo.Collection
}

// NewRepository creates a repo on the scan_logs collection.
func NewRepository(db *mongo.Database) *Repository {
	return &Repository{col: db.Collection("scan_logs")}
}

// Append writes one scan log. Logs are never updated.
func (r *Repository) Append(ctx context.Context, l Log) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if _, err := r.col.InsertOne(ctx, l); err != nil {
		return fmt.Errorf("insert scan log: %w", err)
	}
	return nil
}

// ByRound returns every scan log recorded for a round.
func (r *Repository) ByRound(ctx context.Context, roundID string) ([]Log, error) {
	cur, err := r.col.Find(ctx, bson.M{"round_id": roundID})
	if err != nil {
		return nil, fmt.Errorf("find scan logs for round %s: %w", roundID, err)
	}
	defer cur.Close(ctx)

	var logs []Log
	if err := cur.All(ctx, &logs); err != nil {
		return nil, fmt.Errorf("decode scan logs for round %s: %w", roundID, err)
	}
	return logs, nil
}

// SubmissionsForRound adapts the stored logs into calculation-engine input.
func (r *Repository) SubmissionsForRound(ctx context.Context, roundID string) ([]detect.Submission, error) {
	logs, err := r.ByRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	subs := make([]detect.Submission, 0, len(logs))
	for _, l := range logs {
		sub := detect.Submission{DeviceID: l.DeviceID}
		for _, sd := range l.Scanned {
			sub.Scanned = append(sub.Scanned, detect.Observation{DeviceID: sd.DeviceID, RSSI: sd.RSSI})
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
