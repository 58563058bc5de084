/*
Package mongo provides a MongoDB-backed implementation of docstore.Store.

PURPOSE:
  Multi-replica deployments share one document store. Every document is
  one record of the documents collection, keyed by its path.

KEY COLLECTION:
  documents:
    _id         full document path
    parent      collection path, for collection queries
    collection  collection id, for collection-group scans (branches)
    version     optimistic-concurrency counter, +1 per write
    body        JSON body, the source of truth on reads
    data        the same body as BSON, for server-side filters
    updatedAt

  The body is kept as JSON so reads return exactly what was written
  (float64 numbers, []any arrays) like the other backends.

TRANSACTIONS:
  Commit runs inside a session transaction, which needs a replica set.
  Version preconditions are part of the update filter, so a concurrent
  writer surfaces as docstore.ErrConflict.

SEE ALSO:
  - docstore/store.go: Interface definitions
  - store/sqlite: single-node backend with the same layout
*/
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/academy-ledger/docstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const documentsCollection = "documents"

// Store implements docstore.Store on a MongoDB database.
type Store struct {
	client *mongo.Client
	docs   *mongo.Collection
}

// record is the stored shape of a document.
type record struct {
	Path       string    `bson:"_id"`
	Parent     string    `bson:"parent"`
	Collection string    `bson:"collection"`
	Version    int64     `bson:"version"`
	Body       string    `bson:"body"`
	Data       bson.M    `bson:"data"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

// Connect opens a client for uri, checks it with a ping and prepares the
// documents collection of database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("database connection URL is empty")
	}
	clientOptions := options.Client().ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetConnectTimeout(5 * time.Second).
		SetSocketTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctxPing, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	defer cancelPing()
	if err := client.Ping(ctxPing, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	store := &Store{client: client, docs: client.Database(database).Collection(documentsCollection)}
	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return store, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.docs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "parent", Value: 1}}},
		{Keys: bson.D{{Key: "collection", Value: 1}}},
	})
	return err
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Drop removes the documents collection (tests only).
func (s *Store) Drop(ctx context.Context) error {
	return s.docs.Drop(ctx)
}

// Reset deletes every document (dev only).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.docs.DeleteMany(ctx, bson.M{})
	return err
}

// =============================================================================
// READS
// =============================================================================

// Get returns one document.
func (s *Store) Get(ctx context.Context, path docstore.Path) (docstore.Document, error) {
	if err := path.Validate(); err != nil {
		return docstore.Document{}, err
	}
	var rec record
	err := s.docs.FindOne(ctx, bson.M{"_id": string(path)}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.Document{}, fmt.Errorf("get %s: %w", path, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	return rec.document()
}

// Query runs q. Filters are pushed to the server and re-checked in process
// so comparison semantics match the memory store.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter := bson.M{}
	if q.Parent != "" {
		filter["parent"] = string(q.Parent)
	} else {
		filter["collection"] = q.Group
	}
	for _, f := range q.Filters {
		if cond, ok := filterCondition(f); ok {
			key := "data." + f.Field
			if existing, dup := filter[key].(bson.M); dup {
				for op, v := range cond {
					existing[op] = v
				}
				continue
			}
			filter[key] = cond
		}
	}

	cursor, err := s.docs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []docstore.Document
	for cursor.Next(ctx) {
		var rec record
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		doc, err := rec.document()
		if err != nil {
			return nil, err
		}
		if docstore.Matches(doc.Data, q.Filters) {
			docs = append(docs, doc)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	if q.OrderBy != "" {
		docstore.SortDocuments(docs, q.OrderBy)
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// filterCondition translates the filters Mongo evaluates the same way.
// Inequality is left to the in-process check: $ne also matches documents
// without the field.
func filterCondition(f docstore.Filter) (bson.M, bool) {
	switch f.Value.(type) {
	case string, float64, bool:
	default:
		return nil, false
	}
	op := map[docstore.Operator]string{
		docstore.OpEq:  "$eq",
		docstore.OpLt:  "$lt",
		docstore.OpLte: "$lte",
		docstore.OpGt:  "$gt",
		docstore.OpGte: "$gte",
	}[f.Op]
	if op == "" {
		return nil, false
	}
	return bson.M{op: f.Value}, true
}

func (r record) document() (docstore.Document, error) {
	doc := docstore.Document{
		Path:      docstore.Path(r.Path),
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Body), &doc.Data); err != nil {
		return doc, fmt.Errorf("failed to decode %s: %w", r.Path, err)
	}
	return doc, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Commit applies writes in one transaction.
func (s *Store) Commit(ctx context.Context, writes ...docstore.Write) error {
	if err := docstore.ValidateWrites(writes); err != nil {
		return err
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	now := time.Now().UTC()
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, w := range writes {
			if err := s.applyWrite(sc, w, now); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func (s *Store) applyWrite(ctx mongo.SessionContext, w docstore.Write, now time.Time) error {
	var current record
	err := s.docs.FindOne(ctx, bson.M{"_id": string(w.Path)}).Decode(&current)
	exists := err == nil
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("failed to read %s: %w", w.Path, err)
	}

	var currentData docstore.Data
	if exists {
		doc, err := current.document()
		if err != nil {
			return err
		}
		currentData = doc.Data
	}

	switch w.Op {
	case docstore.OpCreate:
		if exists {
			return fmt.Errorf("create %s: %w", w.Path, docstore.ErrAlreadyExists)
		}
	case docstore.OpUpdate:
		if !exists {
			return fmt.Errorf("update %s: %w", w.Path, docstore.ErrNotFound)
		}
		if current.Version != w.Version {
			return fmt.Errorf("update %s (have v%d, want v%d): %w", w.Path, current.Version, w.Version, docstore.ErrConflict)
		}
	}

	data := docstore.Apply(w, currentData)
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", w.Path, err)
	}

	if !exists {
		_, err := s.docs.InsertOne(ctx, record{
			Path:       string(w.Path),
			Parent:     string(w.Path.Parent()),
			Collection: w.Path.CollectionID(),
			Version:    1,
			Body:       string(body),
			Data:       bson.M(data),
			UpdatedAt:  now,
		})
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("create %s: %w", w.Path, docstore.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", w.Path, err)
		}
		return nil
	}

	res, err := s.docs.UpdateOne(ctx,
		bson.M{"_id": string(w.Path), "version": current.Version},
		bson.M{
			"$set": bson.M{"body": string(body), "data": bson.M(data), "updatedAt": now},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", w.Path, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update %s: %w", w.Path, docstore.ErrConflict)
	}
	return nil
}
