package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"greendrake/emailbuilder/internal/db"
	"greendrake/emailbuilder/internal/models"
)

// IEmailConfigService is the append-only log of saved template configurations.
type IEmailConfigService interface {
	// Append stores a new record and returns its identity. Field contents are not validated.
	Append(ctx context.Context, title, content, imageURL string) (int64, error)
	// Latest returns the record with the greatest identity, or nil, nil when none exist.
	Latest(ctx context.Context) (*models.EmailConfig, error)
	// History returns up to limit records, newest first.
	History(ctx context.Context, limit int) ([]models.EmailConfig, error)
}

const (
	emailConfigsCollection = "email_configs"
	countersCollection     = "counters"
	MaxHistoryLimit        = 100
)

// EmailConfigService stores records in MongoDB. Identities come from an atomically
// incremented counter document, so they are strictly increasing across processes.
type EmailConfigService struct {
	db *mongo.Database
}

// NewEmailConfigService creates a new instance of EmailConfigService.
func NewEmailConfigService(db *mongo.Database) *EmailConfigService {
	return &EmailConfigService{db: db}
}

// EnsureIndexes creates the unique index on seq.
func (s *EmailConfigService) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(emailConfigsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "seq", Value: -1}},
		Options: options.Index().SetUnique(true).SetName("seq_desc_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create email config index: %w", err)
	}
	return nil
}

func (s *EmailConfigService) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": emailConfigsCollection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("error allocating email config id: %w", err)
	}
	return counter.Seq, nil
}

// Append implements IEmailConfigService.
func (s *EmailConfigService) Append(ctx context.Context, title, content, imageURL string) (int64, error) {
	record := models.EmailConfig{
		Title:     title,
		Content:   content,
		ImageURL:  imageURL,
		CreatedAt: time.Now().UTC(),
	}

	// A duplicate seq only happens if the counter was reset behind our back;
	// drawing a fresh number resolves it.
	err := db.Try(func() error {
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return err
		}
		record.Seq = seq
		_, err = s.db.Collection(emailConfigsCollection).InsertOne(ctx, record)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("error saving email config: %w", err)
	}

	logrus.WithField("id", record.Seq).Info("Email config saved")
	return record.Seq, nil
}

// Latest implements IEmailConfigService.
func (s *EmailConfigService) Latest(ctx context.Context) (*models.EmailConfig, error) {
	var record models.EmailConfig
	err := s.db.Collection(emailConfigsCollection).
		FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})).
		Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("error retrieving latest email config: %w", err)
	}
	return &record, nil
}

// History implements IEmailConfigService. limit is clamped to [1, MaxHistoryLimit].
func (s *EmailConfigService) History(ctx context.Context, limit int) ([]models.EmailConfig, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	cursor, err := s.db.Collection(emailConfigsCollection).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("error querying email config history: %w", err)
	}
	defer cursor.Close(ctx)

	records := []models.EmailConfig{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("error decoding email config history: %w", err)
	}
	return records, nil
}
