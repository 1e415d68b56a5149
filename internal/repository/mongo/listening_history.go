package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"trackstream/internal/domain"
)

const listeningHistoryCollection = "listening_history"

type listeningPositionDoc struct {
	ID         string `bson:"_id"`
	Title      string `bson:"title"`
	Artist     string `bson:"artist"`
	PositionMs int64  `bson:"positionMs"`
	DurationMs int64  `bson:"durationMs"`
	Completed  bool   `bson:"completed"`
	UpdatedAt  int64  `bson:"updatedAt"`
}

type ListeningHistoryRepository struct {
	collection *mongo.Collection
}

func NewListeningHistoryRepository(client *mongo.Client, dbName string) *ListeningHistoryRepository {
	return &ListeningHistoryRepository{collection: client.Database(dbName).Collection(listeningHistoryCollection)}
}

func (r *ListeningHistoryRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updatedAt", Value: -1}},
	})
	return err
}

func (r *ListeningHistoryRepository) Upsert(ctx context.Context, p domain.ListeningPosition) error {
	id := strings.TrimSpace(p.ItemID)
	if id == "" {
		return errors.New("listening position without item id")
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": positionUpdate(p)},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *ListeningHistoryRepository) Get(ctx context.Context, itemID string) (domain.ListeningPosition, error) {
	var doc listeningPositionDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": itemID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ListeningPosition{}, domain.ErrNotFound
		}
		return domain.ListeningPosition{}, err
	}
	return docToPosition(doc), nil
}

func (r *ListeningHistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.ListeningPosition, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []listeningPositionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	positions := make([]domain.ListeningPosition, 0, len(docs))
	for _, doc := range docs {
		positions = append(positions, docToPosition(doc))
	}
	return positions, nil
}

func positionUpdate(p domain.ListeningPosition) bson.M {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return bson.M{
		"title":      p.Title,
		"artist":     p.Artist,
		"positionMs": p.PositionMs,
		"durationMs": p.DurationMs,
		"completed":  p.Completed,
		"updatedAt":  updatedAt.UnixMilli(),
	}
}

func docToPosition(doc listeningPositionDoc) domain.ListeningPosition {
	return domain.ListeningPosition{
		ItemID:     doc.ID,
		Title:      doc.Title,
		Artist:     doc.Artist,
		PositionMs: doc.PositionMs,
		DurationMs: doc.DurationMs,
		Completed:  doc.Completed,
		UpdatedAt:  time.UnixMilli(doc.UpdatedAt).UTC(),
	}
}
