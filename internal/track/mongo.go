package track

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RoundTrackStore persists RoundTracks in Mongo, keyed by round id.
type RoundTrackStore struct {
	col *mongo.Collection
}

// NewRoundTrackStore creates a store on the round_tracks collection.
func NewRoundTrackStore(db *mongo.Database) *RoundTrackStore {
	return &RoundTrackStore{col: db.Collection("round_tracks")}
}

// ByRound loads the track for a round; nil when the round has none yet.
func (s *RoundTrackStore) ByRound(ctx context.Context, roundID string) (*RoundTrack, error) {
	var rt RoundTrack
	err := s.col.FindOne(ctx, bson.M{"_id": roundID}).Decode(&rt)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("load round track %s: %w", roundID, err)
	}
	return &rt, nil
}

// Upsert replaces the round's track document.
func (s *RoundTrackStore) Upsert(ctx context.Context, rt RoundTrack) error {
	_, err := s.col.ReplaceOne(ctx, bson.M{"_id": rt.RoundID}, rt, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert round track %s: %w", rt.RoundID, err)
	}
	return nil
}

// ByRoundPublic exposes the round result for the read API.
func (s *RoundTrackStore) ByRoundPublic(ctx context.Context, roundID string) (RoundTrack, bool, error) {
	rt, err := s.ByRound(ctx, roundID)
	if err != nil {
		return RoundTrack{}, false, err
	}
	if rt == nil {
		return RoundTrack{}, false, nil
	}
	return *rt, true, nil
}

// StudentTrackStore persists StudentTracks in Mongo, keyed by
// (session, student).
type StudentTrackStore struct {
	col *mongo.Collection
}

// NewStudentTrackStore creates a store on the student_tracks collection.
func NewStudentTrackStore(db *mongo.Database) *StudentTrackStore {
	return &StudentTrackStore{col: db.Collection("student_tracks")}
}

// ByStudent loads one student's track for a session; nil when absent.
func (s *StudentTrackStore) ByStudent(ctx context.Context, sessionID, studentID string) (*StudentTrack, error) {
	var st StudentTrack
	err := s.col.FindOne(ctx, bson.M{"session_id": sessionID, "student_id": studentID}).Decode(&st)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("load student track %s/%s: %w", sessionID, studentID, err)
	}
	return &st, nil
}

// BySession lists every student track recorded for a session.
func (s *StudentTrackStore) BySession(ctx context.Context, sessionID string) ([]StudentTrack, error) {
	cur, err := s.col.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("list student tracks for session %s: %w", sessionID, err)
	}
	defer cur.Close(ctx)

	var tracks []StudentTrack
	if err := cur.All(ctx, &tracks); err != nil {
		return nil, fmt.Errorf("decode student tracks for session %s: %w", sessionID, err)
	}
	return tracks, nil
}

// Upsert replaces the student's track document for the session.
func (s *StudentTrackStore) Upsert(ctx context.Context, st StudentTrack) error {
	filter := bson.M{"session_id": st.SessionID, "student_id": st.StudentID}
	_, err := s.col.ReplaceOne(ctx, filter, st, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert student track %s/%s: %w", st.SessionID, st.StudentID, err)
	}
	return nil
}
