// Package transcript is the durable store behind the signaling router: chat
// transcripts and room session records. Everything here is called
// fire-and-forget through the work queue; failures are logged, never
// propagated to clients.
package transcript

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	collMessages = "messages"
	collSessions = "room_sessions"

	opTimeout = 5 * time.Second
)

// MessageRecord is one persisted signaling message.
type MessageRecord struct {
	RoomID    string    `bson:"room_id"`
	SenderID  string    `bson:"sender_id"`
	Kind      string    `bson:"kind"`
	Payload   bson.Raw  `bson:"payload,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
}

// SessionRecord tracks one room's lifetime from first join to empty.
type SessionRecord struct {
	RoomID           string     `bson:"room_id"`
	StartedAt        time.Time  `bson:"started_at"`
	EndedAt          *time.Time `bson:"ended_at,omitempty"`
	PeakParticipants int        `bson:"peak_participants"`
}

// Service is the mongo-backed persistence sink.
type Service struct {
	db     *mongo.Database
	logger *zap.Logger
}

// Connect creates a mongo client, verifies connectivity and prepares indexes.
func Connect(ctx context.Context, url, dbName string, logger *zap.Logger) (*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := &Service{db: client.Database(dbName), logger: logger}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collMessages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("message index: %w", err)
	}
	_, err = s.db.Collection(collSessions).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "ended_at", Value: 1}},
		Options: options.Index(),
	})
	if err != nil {
		return fmt.Errorf("session index: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Service) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// SaveMessage persists one message. Errors are logged only.
func (s *Service) SaveMessage(ctx context.Context, roomID, senderID, kind string, payload []byte, ts time.Time) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec := MessageRecord{
		RoomID:    roomID,
		SenderID:  senderID,
		Kind:      kind,
		Timestamp: ts,
	}
	if len(payload) > 0 {
		// Payload arrives as the JSON wire bytes; store it as a document
		// when it converts, raw-less otherwise.
		var doc bson.M
		if err := bson.UnmarshalExtJSON(payload, true, &doc); err == nil {
			if raw, err := bson.Marshal(doc); err == nil {
				rec.Payload = raw
			}
		}
	}

	if _, err := s.db.Collection(collMessages).InsertOne(ctx, rec); err != nil && s.logger != nil {
		s.logger.Warn("message persist failed", zap.String("room", roomID), zap.Error(err))
	}
}

// OpenSession records the start of a room session if none is open.
func (s *Service) OpenSession(ctx context.Context, roomID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"room_id": roomID, "ended_at": nil}
	update := bson.M{"$setOnInsert": bson.M{
		"room_id":           roomID,
		"started_at":        time.Now().UTC(),
		"peak_participants": 0,
	}}
	opts := options.Update().SetUpsert(true)
	if _, err := s.db.Collection(collSessions).UpdateOne(ctx, filter, update, opts); err != nil && s.logger != nil {
		s.logger.Warn("session open failed", zap.String("room", roomID), zap.Error(err))
	}
}

// RecordPeak raises the open session's peak participant count.
func (s *Service) RecordPeak(ctx context.Context, roomID string, count int) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"room_id": roomID, "ended_at": nil, "peak_participants": bson.M{"$lt": count}}
	update := bson.M{"$set": bson.M{"peak_participants": count}}
	if _, err := s.db.Collection(collSessions).UpdateOne(ctx, filter, update); err != nil && s.logger != nil {
		s.logger.Warn("session peak update failed", zap.String("room", roomID), zap.Error(err))
	}
}

// CloseSession stamps the open session's end time.
func (s *Service) CloseSession(ctx context.Context, roomID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"room_id": roomID, "ended_at": nil}
	update := bson.M{"$set": bson.M{"ended_at": time.Now().UTC()}}
	if _, err := s.db.Collection(collSessions).UpdateOne(ctx, filter, update); err != nil && s.logger != nil {
		s.logger.Warn("session close failed", zap.String("room", roomID), zap.Error(err))
	}
}
