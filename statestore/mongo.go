package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps one document per flow run.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	closed atomic.Bool
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a store on client. dbName defaults to "flowkit",
// collName to "flow_states". The store takes ownership of client.
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "flowkit"
	}
	if collName == "" {
		collName = "flow_states"
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection(collName),
	}
}

type mongoStateDoc struct {
	ID        string `bson:"_id"`
	FlowName  string `bson:"flow_name"`
	Status    string `bson:"status"`
	Data      []byte `bson:"data"`
	CreatedAt int64  `bson:"created_at"`
	UpdatedAt int64  `bson:"updated_at"`
}

func (s *MongoStore) Save(ctx context.Context, st *FlowState) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	touch(st)
	data, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("statestore: encode %s: %w", st.FlowID, err)
	}

	doc := mongoStateDoc{
		ID:        st.FlowID,
		FlowName:  st.FlowName,
		Status:    string(st.Status),
		Data:      data,
		CreatedAt: st.CreatedAt.UnixNano(),
		UpdatedAt: st.UpdatedAt.UnixNano(),
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": st.FlowID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("statestore: save %s: %w", st.FlowID, err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, flowID string) (*FlowState, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var doc mongoStateDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": flowID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("statestore: load %s: %w", flowID, err)
	}
	return decodeState(doc.Data)
}

func (s *MongoStore) List(ctx context.Context, f Filter) ([]*FlowState, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	query := bson.M{}
	if f.FlowName != "" {
		query["flow_name"] = f.FlowName
	}
	if f.Status != "" {
		query["status"] = string(f.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cur, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("statestore: list: %w", err)
	}
	defer cur.Close(ctx)

	var out []*FlowState
	for cur.Next(ctx) {
		var doc mongoStateDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		st, err := decodeState(doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, cur.Err()
}

func (s *MongoStore) Delete(ctx context.Context, flowID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": flowID})
	if err != nil {
		return fmt.Errorf("statestore: delete %s: %w", flowID, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
