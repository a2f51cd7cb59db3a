package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authd/internal/domain/models"
	"authd/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	counters *mongo.Collection
	sessions *mongo.Collection
}

type userDoc struct {
	ID        int64     `bson:"_id"`
	Email     string    `bson:"email"`
	PassHash  []byte    `bson:"pass_hash"`
	CreatedAt time.Time `bson:"created_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type sessionDoc struct {
	UserID    int64     `bson:"_id"`
	TokenHash string    `bson:"token_hash"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
// Rotation uses multi-document transactions, so the deployment must be a
// replica set.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		counters: db.Collection("counters"),
		sessions: db.Collection("refresh_sessions"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	// users.email unique
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	// refresh_sessions.token_hash unique
	_, err = s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_sessions.token_hash index: %w", err)
	}

	// refresh_sessions.expires_at TTL index (auto-delete rows once expired)
	_, err = s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("refresh_sessions.expires_at TTL index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// SaveUser saves a new user and returns the generated user ID.
func (s *Storage) SaveUser(ctx context.Context, email string, passHash []byte) (int64, error) {
	const op = "storage.mongodb.SaveUser"

	id, err := s.nextID(ctx, "users")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	doc := userDoc{
		ID:        id,
		Email:     email,
		PassHash:  passHash,
		CreatedAt: time.Now(),
	}

	_, err = s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

// User retrieves a user by email.
func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.User"

	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "email", Value: email}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:       doc.ID,
		Email:    doc.Email,
		PassHash: doc.PassHash,
	}, nil
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.mongodb.UserByID"

	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:       doc.ID,
		Email:    doc.Email,
		PassHash: doc.PassHash,
	}, nil
}

// UpsertSession replaces the account's refresh session unconditionally.
// Keying the collection by user id keeps at most one session per account.
func (s *Storage) UpsertSession(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	const op = "storage.mongodb.UpsertSession"

	doc := sessionDoc{
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}

	_, err := s.sessions.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// SessionByHash retrieves a refresh session by its token hash.
func (s *Storage) SessionByHash(ctx context.Context, tokenHash string) (*models.RefreshSession, error) {
	const op = "storage.mongodb.SessionByHash"

	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.RefreshSession{
		UserID:    doc.UserID,
		TokenHash: doc.TokenHash,
		ExpiresAt: doc.ExpiresAt,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// RotateSession deletes the session matching oldHash and inserts the
// replacement inside one transaction, so concurrent rotations of the same
// token cannot both succeed and a crash mid-rotation leaves either the old
// row or the new one, never both and never neither-plus-usable-old.
func (s *Storage) RotateSession(ctx context.Context, oldHash string, userID int64, newHash string, newExpiresAt time.Time) error {
	const op = "storage.mongodb.RotateSession"

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%s: start session: %w", op, err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		res, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "token_hash", Value: oldHash}})
		if err != nil {
			return nil, err
		}
		if res.DeletedCount == 0 {
			return nil, storage.ErrSessionNotFound
		}

		doc := sessionDoc{
			UserID:    userID,
			TokenHash: newHash,
			ExpiresAt: newExpiresAt,
			CreatedAt: time.Now(),
		}
		if _, err := s.sessions.InsertOne(ctx, doc); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// DeleteSessionByHash removes an expired session row. Absence is not an error.
func (s *Storage) DeleteSessionByHash(ctx context.Context, tokenHash string) error {
	const op = "storage.mongodb.DeleteSessionByHash"

	_, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteSessionByUser removes the account's session row. Absence is not an error.
func (s *Storage) DeleteSessionByUser(ctx context.Context, userID int64) error {
	const op = "storage.mongodb.DeleteSessionByUser"

	_, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "_id", Value: userID}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
