// Package mongo is an alternate kvstore.Backend for deployments that want
// the object log and its secondary indexes in MongoDB, via
// go.mongodb.org/mongo-driver/v2.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	neturl "net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/graffitidb/engine/internal/kvstore"
	"github.com/graffitidb/engine/internal/model"
)

func init() {
	kvstore.Register("mongo", func(ctx context.Context, dbURL string) (kvstore.Backend, error) {
		return Open(ctx, dbURL)
	})
}

const (
	objectsColl    = "objects"
	monotonicColl  = "monotonic_seq"
	monotonicDocID = "singleton"
)

// Backend is a mongo-backed kvstore.Backend.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
}

// document is the Mongo representation of a model.Object, with a compound
// index over (channels, lastModifiedPadded) standing in for the
// objectsByChannelAndLastModified secondary index.
type document struct {
	URL                string   `bson:"_id"`
	Actor              string   `bson:"actor"`
	Value              bson.Raw `bson:"value,omitempty"`
	Channels           []string `bson:"channels"`
	Allowed            []string `bson:"allowed,omitempty"`
	AllowedSet         bool     `bson:"allowedSet"`
	LastModified       int64    `bson:"lastModified"`
	LastModifiedPadded string   `bson:"lastModifiedPadded"`
	Revision           string   `bson:"revision"`
	Tombstone          bool     `bson:"tombstone"`
	WrittenAt          int64    `bson:"writtenAt"`
}

// Open connects to dbURL (expected to carry the target database name as
// its path component; "graffiti" when the path is empty) and installs
// indexes if absent.
func Open(ctx context.Context, dbURL string) (*Backend, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(dbURL))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	dbName := "graffiti"
	if u, err := neturl.Parse(dbURL); err == nil {
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			dbName = name
		}
	}
	b := &Backend{client: client, db: client.Database(dbName)}
	if err := b.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return b, nil
}

// Migrate installs the compound (channels, lastModifiedPadded) index, the
// actor orphan-recovery index, and the monotonic sequence singleton
// document. Safe to call repeatedly.
func (b *Backend) Migrate(ctx context.Context) error {
	coll := b.db.Collection(objectsColl)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "channels", Value: 1}, {Key: "lastModifiedPadded", Value: 1}}},
		{Keys: bson.D{{Key: "actor", Value: 1}}},
		{Keys: bson.D{{Key: "tombstone", Value: 1}, {Key: "writtenAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: migrate: index: %w", err)
	}

	_, err = b.db.Collection(monotonicColl).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: monotonicDocID}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "value", Value: int64(0)}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: migrate: monotonic seq: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}

// Info returns the current monotonic sequence value.
func (b *Backend) Info(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := b.db.Collection(monotonicColl).FindOne(ctx, bson.D{{Key: "_id", Value: monotonicDocID}}).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongo: info: %w", err)
	}
	return doc.Value, nil
}

// Get returns the object stored at url.
func (b *Backend) Get(ctx context.Context, url string) (model.Object, error) {
	var doc document
	err := b.db.Collection(objectsColl).FindOne(ctx, bson.D{{Key: "_id", Value: url}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.Object{}, &model.NotFoundError{URL: url}
	}
	if err != nil {
		return model.Object{}, fmt.Errorf("mongo: get %s: %w", url, err)
	}
	return toObject(doc), nil
}

func toObject(doc document) model.Object {
	obj := model.Object{
		URL:          doc.URL,
		Actor:        doc.Actor,
		Channels:     doc.Channels,
		Allowed:      doc.Allowed,
		AllowedSet:   doc.AllowedSet,
		LastModified: doc.LastModified,
		Revision:     doc.Revision,
		Tombstone:    doc.Tombstone,
	}
	if len(doc.Value) > 0 {
		if raw, err := bson.MarshalExtJSON(doc.Value, false, false); err == nil {
			obj.Value = json.RawMessage(raw)
		}
	}
	return obj
}

func toDocument(obj model.Object) (document, error) {
	doc := document{
		URL:                obj.URL,
		Actor:              obj.Actor,
		Channels:           obj.Channels,
		Allowed:            obj.Allowed,
		AllowedSet:         obj.AllowedSet,
		LastModified:       obj.LastModified,
		LastModifiedPadded: kvstore.Pad15(obj.LastModified),
		Revision:           obj.Revision,
		Tombstone:          obj.Tombstone,
		WrittenAt:          time.Now().UnixNano(),
	}
	if len(obj.Value) > 0 {
		raw, err := bson.UnmarshalExtJSON(obj.Value, false, &doc.Value)
		_ = raw
		if err != nil {
			return document{}, fmt.Errorf("mongo: encoding value for %s: %w", obj.URL, err)
		}
	}
	return doc, nil
}

// Put atomically stores obj, enforcing last-writer-wins via a
// find-then-conditionally-replace pass inside a session transaction.
func (b *Backend) Put(ctx context.Context, obj model.Object) error {
	return b.bulkPut(ctx, []model.Object{obj})
}

// BulkPut stores every object in objs as a single session transaction.
func (b *Backend) BulkPut(ctx context.Context, objs []model.Object) error {
	return b.bulkPut(ctx, objs)
}

func (b *Backend) bulkPut(ctx context.Context, objs []model.Object) error {
	if len(objs) == 0 {
		return nil
	}
	session, err := b.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo: bulk_put: starting session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		var maxSeq int64
		coll := b.db.Collection(objectsColl)
		for _, obj := range objs {
			var existing document
			err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: obj.URL}}).Decode(&existing)
			if err != nil && err != mongo.ErrNoDocuments {
				return nil, fmt.Errorf("mongo: put %s: checking existing revision: %w", obj.URL, err)
			}
			if err == nil && !wins(obj, toObject(existing)) {
				continue
			}

			doc, err := toDocument(obj)
			if err != nil {
				return nil, err
			}
			_, err = coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: obj.URL}}, doc, options.Replace().SetUpsert(true))
			if err != nil {
				return nil, fmt.Errorf("mongo: put %s: %w", obj.URL, err)
			}
			if obj.LastModified > maxSeq {
				maxSeq = obj.LastModified
			}
		}
		_, err := b.db.Collection(monotonicColl).UpdateOne(ctx,
			bson.D{{Key: "_id", Value: monotonicDocID}},
			bson.A{bson.D{{Key: "$set", Value: bson.D{{Key: "value", Value: bson.D{{Key: "$max", Value: bson.A{"$value", maxSeq}}}}}}}},
		)
		if err != nil {
			return nil, fmt.Errorf("mongo: bumping monotonic sequence: %w", err)
		}
		return nil, nil
	})
	return err
}

func wins(candidate, current model.Object) bool {
	if candidate.LastModified != current.LastModified {
		return candidate.LastModified > current.LastModified
	}
	return candidate.Revision > current.Revision
}

// Range scans for channel over [startSuffix, endSuffix] using the compound
// (channels, lastModifiedPadded) index.
func (b *Backend) Range(ctx context.Context, channel, startSuffix, endSuffix string) ([]kvstore.IndexRow, error) {
	filter := bson.D{
		{Key: "channels", Value: channel},
		{Key: "lastModifiedPadded", Value: bson.D{{Key: "$gte", Value: startSuffix}, {Key: "$lte", Value: endSuffix}}},
	}
	cur, err := b.db.Collection(objectsColl).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "lastModifiedPadded", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: range %s: %w", channel, err)
	}
	defer cur.Close(ctx)

	var result []kvstore.IndexRow
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: range %s: decode: %w", channel, err)
		}
		result = append(result, kvstore.IndexRow{Doc: toObject(doc)})
	}
	return result, cur.Err()
}

// PurgeTombstones hard-deletes up to limit tombstoned documents written
// before the unix-nanosecond instant before. There is a single
// collection, so no secondary index cleanup is needed beyond the
// document delete itself.
func (b *Backend) PurgeTombstones(ctx context.Context, before int64, limit int) (int, error) {
	coll := b.db.Collection(objectsColl)
	cur, err := coll.Find(ctx,
		bson.D{{Key: "tombstone", Value: true}, {Key: "writtenAt", Value: bson.D{{Key: "$lt", Value: before}}}},
		options.Find().SetLimit(int64(limit)).SetProjection(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return 0, fmt.Errorf("mongo: purge_tombstones: %w", err)
	}
	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			URL string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return 0, fmt.Errorf("mongo: purge_tombstones: decode: %w", err)
		}
		ids = append(ids, doc.URL)
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return 0, fmt.Errorf("mongo: purge_tombstones: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	ifaceIDs := make(bson.A, len(ids))
	for i, id := range ids {
		ifaceIDs[i] = id
	}
	res, err := coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ifaceIDs}}}})
	if err != nil {
		return 0, fmt.Errorf("mongo: purge_tombstones: %w", err)
	}
	return int(res.DeletedCount), nil
}

// RangeByActor scans the actor index for orphan recovery.
func (b *Backend) RangeByActor(ctx context.Context, actor string) ([]model.Object, error) {
	cur, err := b.db.Collection(objectsColl).Find(ctx, bson.D{{Key: "actor", Value: actor}},
		options.Find().SetSort(bson.D{{Key: "lastModified", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: range_by_actor %s: %w", actor, err)
	}
	defer cur.Close(ctx)

	var result []model.Object
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: range_by_actor %s: decode: %w", actor, err)
		}
		result = append(result, toObject(doc))
	}
	return result, cur.Err()
}
