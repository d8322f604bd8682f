// Package whitelist maintains the set of device IDs authorized to count
// toward a session's attendance: the lecturer's device plus enrolled
// students' devices. Authoritative copy in the document store, TTL-cached.
package whitelist

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rollcall/internal/cache"
	"rollcall/internal/fault"
)

// DefaultCacheTTL bounds how long a read-through fill stays trusted.
const DefaultCacheTTL = 24 * time.Hour

// Document is the durable whitelist for one session.
type Document struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	SessionID string             `bson:"session_id"`
	DeviceIDs []string           `bson:"device_ids"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

// Store persists whitelist documents in Mongo.
type Store struct {
	col *mongo.Collection
}

// NewStore creates a store on the session_whitelists collection.
func NewStore(db *mongo.Database) *Store {
	return &Store{col: db.Collection("session_whitelists")}
}

// BySession loads the whitelist document for a session, or a NotFound fault.
func (s *Store) BySession(ctx context.Context, sessionID string) (Document, error) {
	var doc Document
	err := s.col.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return Document{}, fault.NotFound("whitelist for session", sessionID)
		}
		return Document{}, fmt.Errorf("load whitelist for session %s: %w", sessionID, err)
	}
	return doc, nil
}

// Upsert replaces the session's device list, creating the document when
// absent. Safe to re-run; the list is a set by the time it gets here.
func (s *Store) Upsert(ctx context.Context, sessionID string, deviceIDs []string) error {
	update := bson.M{"$set": bson.M{
		"device_ids": deviceIDs,
		"updated_at": time.Now().UTC(),
	}}
	_, err := s.col.UpdateOne(ctx, bson.M{"session_id": sessionID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert whitelist for session %s: %w", sessionID, err)
	}
	return nil
}

// Documents is the narrow store surface the resolver needs.
type Documents interface {
	BySession(ctx context.Context, sessionID string) (Document, error)
	Upsert(ctx context.Context, sessionID string, deviceIDs []string) error
}

// Directory resolves enrollment and device ownership; an external
// collaborator.
type Directory interface {
	// DeviceForUser returns the user's primary device or a NotFound fault.
	DeviceForUser(ctx context.Context, userID string) (string, error)
	// DevicesForUsers maps each user to its primary device; users without
	// devices are simply absent from the result.
	DevicesForUsers(ctx context.Context, userIDs []string) (map[string]string, error)
	StudentIDsForClassSection(ctx context.Context, classSectionID string) ([]string, error)
}

// Resolver serves whitelists cache-first and regenerates them from the
// directory.
type Resolver struct {
	store     Documents
	cache     cache.Cache
	directory Directory
}

// NewResolver wires a resolver.
func NewResolver(store Documents, c cache.Cache, directory Directory) *Resolver {
	return &Resolver{store: store, cache: c, directory: directory}
}

// Whitelist returns the authorized device set for a session. Cache first;
// on miss the document store fills the cache for DefaultCacheTTL. A total
// miss is an empty set, never nil: calculation degrades to "nobody
// authorized" rather than failing.
func (r *Resolver) Whitelist(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	key := cache.WhitelistKey(sessionID)

	var cached []string
	hit, err := r.cache.Get(ctx, key, &cached)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("whitelist cache read for session %s: %w", sessionID, err))
	}
	if hit {
		return toSet(cached), nil
	}

	doc, err := r.store.BySession(ctx, sessionID)
	if err != nil {
		if fault.IsNotFound(err) {
			log.Printf("whitelist: no whitelist for session %s, treating as empty", sessionID)
			return map[string]struct{}{}, nil
		}
		return nil, err
	}

	if err := r.cache.Set(ctx, key, doc.DeviceIDs, DefaultCacheTTL); err != nil {
		log.Printf("whitelist: caching for session %s failed: %v", sessionID, err)
	}
	return toSet(doc.DeviceIDs), nil
}

// GenerateOrUpdate resolves the authorized devices for a session and upserts
// the whitelist document, then overwrites the cached copy so readers never
// see a stale set. Idempotent: re-running yields the same set.
func (r *Resolver) GenerateOrUpdate(ctx context.Context, sessionID, classSectionID, lecturerID string) error {
	devices := map[string]struct{}{}

	lecturerDevice, err := r.directory.DeviceForUser(ctx, lecturerID)
	switch {
	case err == nil:
		devices[lecturerDevice] = struct{}{}
	case fault.IsNotFound(err):
		log.Printf("whitelist: lecturer %s has no active device, continuing without it", lecturerID)
	default:
		return fmt.Errorf("lecturer device lookup for %s: %w", lecturerID, err)
	}

	studentIDs, err := r.directory.StudentIDsForClassSection(ctx, classSectionID)
	if err != nil {
		return fmt.Errorf("student lookup for class section %s: %w", classSectionID, err)
	}
	if len(studentIDs) > 0 {
		studentDevices, err := r.directory.DevicesForUsers(ctx, studentIDs)
		if err != nil {
			return fmt.Errorf("student device lookup for class section %s: %w", classSectionID, err)
		}
		for _, deviceID := range studentDevices {
			devices[deviceID] = struct{}{}
		}
	}

	deviceIDs := make([]string, 0, len(devices))
	for id := range devices {
		deviceIDs = append(deviceIDs, id)
	}

	if err := r.store.Upsert(ctx, sessionID, deviceIDs); err != nil {
		return err
	}
	if err := r.cache.Set(ctx, cache.WhitelistKey(sessionID), deviceIDs, DefaultCacheTTL); err != nil {
		log.Printf("whitelist: cache overwrite for session %s failed: %v", sessionID, err)
	}
	log.Printf("whitelist: session %s now authorizes %d devices", sessionID, len(deviceIDs))
	return nil
}

// Prime loads the durable whitelist into the cache with an explicit TTL,
// used at session start so the cache covers the whole session. Missing
// whitelists prime an empty set briefly so readers do not fail.
func (r *Resolver) Prime(ctx context.Context, sessionID string, ttl time.Duration) error {
	doc, err := r.store.BySession(ctx, sessionID)
	if err != nil {
		if fault.IsNotFound(err) {
			log.Printf("whitelist: priming empty whitelist for session %s", sessionID)
			return r.cache.Set(ctx, cache.WhitelistKey(sessionID), []string{}, 5*time.Minute)
		}
		return err
	}
	return r.cache.Set(ctx, cache.WhitelistKey(sessionID), doc.DeviceIDs, ttl)
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
