package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xxxsen/solemn/internal/model"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

const (
	typeMongo = "mongo"

	collectionSubmissions = "submissions"
	collectionCounters    = "counters"
	counterSubmissionID   = "submission_id"
	defaultMongoDatabase  = "solemn_declarations"
	mongoInsertRetries    = 5
)

type mongoConfig struct {
	URI            string `json:"uri"`
	Database       string `json:"database"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxPoolSize    uint64 `json:"max_pool_size"`
}

type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

func init() {
	Register(typeMongo, createMongoStore)
}

func createMongoStore(args interface{}) (Store, error) {
	cfg := &mongoConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 5
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 20
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := mongo.Connect(ctx,
		options.Client().ApplyURI(cfg.URI),
		options.Client().SetServerSelectionTimeout(timeout),
		options.Client().SetConnectTimeout(timeout),
		options.Client().SetMaxPoolSize(cfg.MaxPoolSize),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	name := cfg.Database
	if name == "" {
		name = databaseFromURI(cfg.URI)
	}
	s := &MongoStore{client: client, db: client.Database(name), timeout: timeout}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create mongo indexes: %w", err)
	}
	return s, nil
}

func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return defaultMongoDatabase
}

func (s *MongoStore) submissions() *mongo.Collection {
	return s.db.Collection(collectionSubmissions)
}

func (s *MongoStore) counters() *mongo.Collection {
	return s.db.Collection(collectionCounters)
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.submissions().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "submission_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "verification_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "email", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	return err
}

func (s *MongoStore) Type() string {
	return typeMongo
}

func (s *MongoStore) Insert(ctx context.Context, sub *model.Submission) (string, error) {
	if id, ok, err := s.findByVerification(ctx, sub.VerificationID); err != nil || ok {
		return id, err
	}
	preset := sub.ID != ""
	for i := 0; i < mongoInsertRetries; i++ {
		doc := *sub
		if !preset {
			id, err := s.nextID(ctx)
			if err != nil {
				return "", err
			}
			doc.ID = id
		}
		_, err := s.submissions().InsertOne(ctx, &doc)
		if err == nil {
			return doc.ID, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return "", err
		}
		if id, ok, ferr := s.findByVerification(ctx, sub.VerificationID); ferr != nil || ok {
			return id, ferr
		}
		if preset {
			return "", appErr.ErrConflict
		}
		// The counter collided with an imported id; draw the next one.
	}
	return "", appErr.ErrConflict
}

func (s *MongoStore) findByVerification(ctx context.Context, verificationID string) (string, bool, error) {
	if verificationID == "" {
		return "", false, nil
	}
	var existing model.Submission
	err := s.submissions().FindOne(ctx, bson.M{"verification_id": verificationID}).Decode(&existing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing.ID, true, nil
}

func (s *MongoStore) nextID(ctx context.Context) (string, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters().FindOneAndUpdate(ctx,
		bson.M{"_id": counterSubmissionID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return "", err
	}
	return formatID(counter.Seq), nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*model.Submission, error) {
	var sub model.Submission
	err := s.submissions().FindOne(ctx, bson.M{"submission_id": id}).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, appErr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *MongoStore) ListRecent(ctx context.Context, limit int) ([]*model.Submission, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.submissions().Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	var out []*model.Submission
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	return s.submissions().CountDocuments(ctx, bson.D{})
}

func (s *MongoStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	return s.submissions().CountDocuments(ctx, bson.M{"created_at": bson.M{"$gte": since}})
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
