package metadata

import (
	"context"
	"errors"

	"github.com/MalauD/Pixure/account"
	"github.com/MalauD/Pixure/resource"
	"github.com/opentracing/opentracing-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mediaCollection = "Media"
	userCollection  = "User"
)

// resourceDocument is the layout of a resource in the Media collection.
// Documents written before the unified access list carry r_access/w_access
// instead and are migrated when read.
type resourceDocument struct {
	ID          primitive.ObjectID     `bson:"_id,omitempty"`
	Storage     string                 `bson:"storage,omitempty"`
	Extension   string                 `bson:"extension"`
	Owner       string                 `bson:"owner"`
	Access      []resource.AccessRight `bson:"access"`
	ReadPublic  bool                   `bson:"r_public"`
	WritePublic bool                   `bson:"w_public"`

	LegacyReaders []string          `bson:"r_access,omitempty"`
	LegacyWriters []string          `bson:"w_access,omitempty"`
	LegacyStorage *legacyStorageRef `bson:"_storage,omitempty"`
}

// legacyStorageRef is the {id: fid} subdocument older records keep their handle in
type legacyStorageRef struct {
	ID string `bson:"id"`
}

type userDocument struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Username   string             `bson:"username"`
	Credential []byte             `bson:"credential"`
}

type mongoStore struct {
	client  *mongo.Client
	media   *mongo.Collection
	users   *mongo.Collection
	handles Handles
}

// NewMongoStore connects to the MongoDB deployment at uri, using database,
// and ensures the collection indexes exist
func NewMongoStore(ctx context.Context, uri string, database string, handles Handles) (Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, dbError("connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, dbError("connect", err)
	}

	db := client.Database(database)
	s := &mongoStore{
		client:  client,
		media:   db.Collection(mediaCollection),
		users:   db.Collection(userCollection),
		handles: handles,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	log.WithField("database", database).Info("Connected to MongoDB metadata store")
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.media.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner", Value: 1}}},
		{Keys: bson.D{{Key: "access.user", Value: 1}}},
		{Keys: bson.D{{Key: "r_public", Value: 1}}},
	})
	if err != nil {
		return dbError("create_indexes", err)
	}
	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return dbError("create_indexes", err)
	}
	return nil
}

func (s *mongoStore) SaveResource(ctx context.Context, r *resource.Resource) error {
	if err := checkSavable(r); err != nil {
		return err
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "mongo_save_resource")
	defer span.Finish()

	doc := toDocument(r)
	doc.ID = primitive.NewObjectID()
	if _, err := s.media.InsertOne(ctx, doc); err != nil {
		return dbError("save_resource", err)
	}
	r.ID = doc.ID.Hex()
	return nil
}

func (s *mongoStore) FindResource(ctx context.Context, id string) (*resource.Resource, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrResourceNotFound
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "mongo_find_resource")
	defer span.Finish()

	doc := resourceDocument{}
	err = s.media.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, dbError("find_resource", err)
	}
	return s.fromDocument(doc)
}

func (s *mongoStore) FindOwnedResources(ctx context.Context, owner string, page, pageSize int) ([]*resource.Resource, error) {
	skip, limit := Page(page, pageSize)

	span, ctx := opentracing.StartSpanFromContext(ctx, "mongo_find_owned_resources")
	defer span.Finish()

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetBatchSize(int32(BatchSize(limit)))
	cursor, err := s.media.Find(ctx, bson.M{"owner": owner}, opts)
	if err != nil {
		return nil, dbError("find_owned_resources", err)
	}
	defer cursor.Close(ctx)

	result := make([]*resource.Resource, 0, limit)
	for cursor.Next(ctx) {
		doc := resourceDocument{}
		if err := cursor.Decode(&doc); err != nil {
			return nil, dbError("find_owned_resources", err)
		}
		r, err := s.fromDocument(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := cursor.Err(); err != nil {
		return nil, dbError("find_owned_resources", err)
	}
	return result, nil
}

func (s *mongoStore) UpdateResource(ctx context.Context, r *resource.Resource) error {
	if r.ID == "" {
		return ErrMissingIdentifier
	}
	oid, err := primitive.ObjectIDFromHex(r.ID)
	if err != nil {
		return ErrResourceNotFound
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "mongo_update_resource")
	defer span.Finish()

	doc := toDocument(r)
	doc.ID = oid
	res, err := s.media.ReplaceOne(ctx, bson.M{"_id": oid}, doc)
	if err != nil {
		return dbError("update_resource", err)
	}
	if res.MatchedCount == 0 {
		return ErrResourceNotFound
	}
	return nil
}

func (s *mongoStore) GetUserByName(ctx context.Context, username string) (*account.User, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mongo_get_user")
	defer span.Finish()

	doc := userDocument{}
	err := s.users.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, dbError("get_user", err)
	}
	return &account.User{Username: doc.Username, Credential: doc.Credential}, nil
}

func (s *mongoStore) SaveUser(ctx context.Context, u *account.User) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mongo_save_user")
	defer span.Finish()

	_, err := s.users.InsertOne(ctx, userDocument{
		ID:         primitive.NewObjectID(),
		Username:   u.Username,
		Credential: u.Credential,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrUserExists
	}
	if err != nil {
		return dbError("save_user", err)
	}
	return nil
}

func (s *mongoStore) UserExists(ctx context.Context, username string) (bool, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{"username": username}, options.Count().SetLimit(1))
	if err != nil {
		return false, dbError("user_exists", err)
	}
	return n != 0, nil
}

func (s *mongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func toDocument(r *resource.Resource) resourceDocument {
	access := r.Access
	if access == nil {
		access = []resource.AccessRight{}
	}
	return resourceDocument{
		Storage:     storageID(r),
		Extension:   r.ContentType,
		Owner:       r.Owner,
		Access:      access,
		ReadPublic:  r.ReadPublic,
		WritePublic: r.WritePublic,
	}
}

func (s *mongoStore) fromDocument(doc resourceDocument) (*resource.Resource, error) {
	handleID := doc.Storage
	if handleID == "" && doc.LegacyStorage != nil {
		handleID = doc.LegacyStorage.ID
	}
	h, err := rebuildHandle(s.handles, handleID)
	if err != nil {
		return nil, dbError("decode_resource", err)
	}
	r := &resource.Resource{
		ID:          doc.ID.Hex(),
		Storage:     h,
		ContentType: doc.Extension,
		Owner:       doc.Owner,
		Access:      doc.Access,
		ReadPublic:  doc.ReadPublic,
		WritePublic: doc.WritePublic,
	}
	if len(doc.Access) == 0 {
		r.MigrateLegacyAccess(doc.LegacyReaders, doc.LegacyWriters)
	}
	return r, nil
}
