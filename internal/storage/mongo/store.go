// Package mongo is a media.Store backed by a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mediaflow/internal/media"
)

// DefaultCollection holds asset records.
const DefaultCollection = "assets"

type Store struct {
	collection *mongo.Collection
	now        func() time.Time
}

type assetDoc struct {
	ID             string `bson:"_id"`
	OwnerID        string `bson:"ownerId"`
	Title          string `bson:"title"`
	Filename       string `bson:"filename"`
	FilePath       string `bson:"filePath"`
	Size           int64  `bson:"size"`
	MimeType       string `bson:"mimeType"`
	State          string `bson:"state"`
	Progress       int    `bson:"progress"`
	Classification string `bson:"classification"`
	Error          string `bson:"error,omitempty"`
	UploadedAt     int64  `bson:"uploadedAt"`
	StartedAt      *int64 `bson:"startedAt,omitempty"`
	ProcessedAt    *int64 `bson:"processedAt,omitempty"`
	UpdatedAt      int64  `bson:"updatedAt"`
	Version        int    `bson:"version"`
}

func NewStore(client *mongo.Client, dbName, collectionName string) *Store {
	if collectionName == "" {
		collectionName = DefaultCollection
	}
	return &Store{
		collection: client.Database(dbName).Collection(collectionName),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "uploadedAt", Value: -1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "uploadedAt", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (s *Store) Create(ctx context.Context, a media.Asset) error {
	if a.Version == 0 {
		a.Version = media.SchemaVersion
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.UploadedAt
	}
	_, err := s.collection.InsertOne(ctx, toDoc(a))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return media.ErrAlreadyExists
		}
	}
	return err
}

func (s *Store) Get(ctx context.Context, id media.AssetID) (media.Asset, error) {
	var doc assetDoc
	if err := s.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return media.Asset{}, media.ErrNotFound
		}
		return media.Asset{}, err
	}
	return fromDoc(doc), nil
}

// Update applies u with a single atomic $set and returns the new record.
func (s *Store) Update(ctx context.Context, id media.AssetID, u media.AssetUpdate) (media.Asset, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc assetDoc
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": string(id)},
		bson.M{"$set": updateSet(u, s.now())},
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return media.Asset{}, media.ErrNotFound
		}
		return media.Asset{}, err
	}
	return fromDoc(doc), nil
}

func (s *Store) ListByOwner(ctx context.Context, owner media.OwnerID, f media.Filter) ([]media.Asset, error) {
	query := bson.M{"ownerId": string(owner)}
	if f.State != "" {
		query["state"] = string(f.State)
	}
	opts := options.Find().SetSort(bson.D{{Key: "uploadedAt", Value: -1}, {Key: "_id", Value: -1}})
	return s.find(ctx, query, opts)
}

func (s *Store) ListByState(ctx context.Context, state media.JobState) ([]media.Asset, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploadedAt", Value: 1}, {Key: "_id", Value: 1}})
	return s.find(ctx, bson.M{"state": string(state)}, opts)
}

func (s *Store) find(ctx context.Context, query bson.M, opts *options.FindOptions) ([]media.Asset, error) {
	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []assetDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]media.Asset, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDoc(d))
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id media.AssetID) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return media.ErrNotFound
	}
	return nil
}

func updateSet(u media.AssetUpdate, now time.Time) bson.M {
	set := bson.M{"updatedAt": now.UnixNano()}
	if u.Title != nil {
		set["title"] = *u.Title
	}
	if u.State != nil {
		set["state"] = string(*u.State)
	}
	if u.Progress != nil {
		set["progress"] = *u.Progress
	}
	if u.Classification != nil {
		set["classification"] = string(*u.Classification)
	}
	if u.Error != nil {
		set["error"] = *u.Error
	}
	if u.StartedAt != nil {
		set["startedAt"] = u.StartedAt.UnixNano()
	}
	if u.ProcessedAt != nil {
		set["processedAt"] = u.ProcessedAt.UnixNano()
	}
	return set
}

func toDoc(a media.Asset) assetDoc {
	return assetDoc{
		ID:             string(a.ID),
		OwnerID:        string(a.OwnerID),
		Title:          a.Title,
		Filename:       a.Filename,
		FilePath:       a.FilePath,
		Size:           a.Size,
		MimeType:       a.MimeType,
		State:          string(a.State),
		Progress:       a.Progress,
		Classification: string(a.Classification),
		Error:          a.Error,
		UploadedAt:     a.UploadedAt.UnixNano(),
		StartedAt:      unixPtr(a.StartedAt),
		ProcessedAt:    unixPtr(a.ProcessedAt),
		UpdatedAt:      a.UpdatedAt.UnixNano(),
		Version:        a.Version,
	}
}

func fromDoc(d assetDoc) media.Asset {
	return media.Asset{
		ID:             media.AssetID(d.ID),
		OwnerID:        media.OwnerID(d.OwnerID),
		Title:          d.Title,
		Filename:       d.Filename,
		FilePath:       d.FilePath,
		Size:           d.Size,
		MimeType:       d.MimeType,
		State:          media.JobState(d.State),
		Progress:       d.Progress,
		Classification: media.Classification(d.Classification),
		Error:          d.Error,
		UploadedAt:     time.Unix(0, d.UploadedAt).UTC(),
		StartedAt:      timePtr(d.StartedAt),
		ProcessedAt:    timePtr(d.ProcessedAt),
		UpdatedAt:      time.Unix(0, d.UpdatedAt).UTC(),
		Version:        d.Version,
	}
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixNano()
	return &v
}

func timePtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(0, *v).UTC()
	return &t
}
