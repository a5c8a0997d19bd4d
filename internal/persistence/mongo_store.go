package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tkivisto/syncroom/pkg/api"
)

// MongoEntityStore is an EntityStore backed by MongoDB.
//
// Collections:
//
//	blocks:    { workflow_id, block_id, block_type, meta, subblocks }
//	variables: { workflow_id, variable_id, fields }
//	edges:     { workflow_id, edge_id, source_id, target_id }
//
// Single-field merges use $set on a dotted path, which is atomic at the
// document level, so no multi-document transaction is needed.
type MongoEntityStore struct {
	blocks    *mongo.Collection
	variables *mongo.Collection
	edges     *mongo.Collection
}

// Ensure MongoEntityStore implements EntityStore.
var _ EntityStore = (*MongoEntityStore)(nil)

type mongoBlockDoc struct {
	WorkflowID string         `bson:"workflow_id"`
	BlockID    string         `bson:"block_id"`
	BlockType  string         `bson:"block_type"`
	Meta       map[string]any `bson:"meta"`
	Subblocks  map[string]any `bson:"subblocks"`
}

type mongoVariableDoc struct {
	WorkflowID string         `bson:"workflow_id"`
	VariableID string         `bson:"variable_id"`
	Fields     map[string]any `bson:"fields"`
}

type mongoEdgeDoc struct {
	WorkflowID string `bson:"workflow_id"`
	EdgeID     string `bson:"edge_id"`
	SourceID   string `bson:"source_id"`
	TargetID   string `bson:"target_id"`
}

// NewMongoEntityStore creates a Mongo-backed entity store.
// dbName defaults to "syncroom".
func NewMongoEntityStore(client *mongo.Client, dbName string) *MongoEntityStore {
	if dbName == "" {
		dbName = "syncroom"
	}
	db := client.Database(dbName)
	return &MongoEntityStore{
		blocks:    db.Collection("blocks"),
		variables: db.Collection("variables"),
		edges:     db.Collection("edges"),
	}
}

func blockFilter(workflowID, blockID string) bson.M {
	return bson.M{"workflow_id": workflowID, "block_id": blockID}
}

func variableFilter(workflowID, variableID string) bson.M {
	return bson.M{"workflow_id": workflowID, "variable_id": variableID}
}

func (s *MongoEntityStore) AddBlock(ctx context.Context, workflowID string, block api.Block) error {
	doc := mongoBlockDoc{
		WorkflowID: workflowID,
		BlockID:    block.ID,
		BlockType:  block.Type,
		Meta:       block.Meta,
		Subblocks:  block.Subblocks,
	}
	_, err := s.blocks.ReplaceOne(ctx,
		blockFilter(workflowID, block.ID),
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoEntityStore) GetBlock(ctx context.Context, workflowID, blockID string) (api.Block, error) {
	var doc mongoBlockDoc
	err := s.blocks.FindOne(ctx, blockFilter(workflowID, blockID)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.Block{}, api.ErrBlockNotFound
		}
		return api.Block{}, err
	}
	return api.Block{
		ID:        doc.BlockID,
		Type:      doc.BlockType,
		Meta:      doc.Meta,
		Subblocks: doc.Subblocks,
	}, nil
}

func (s *MongoEntityStore) UpdateBlockMeta(ctx context.Context, workflowID, blockID string, fields map[string]any) error {
	set := bson.M{}
	for k, v := range fields {
		set["meta."+k] = v
	}
	res, err := s.blocks.UpdateOne(ctx, blockFilter(workflowID, blockID), bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrBlockNotFound
	}
	return nil
}

func (s *MongoEntityStore) RemoveBlock(ctx context.Context, workflowID, blockID string) error {
	res, err := s.blocks.DeleteOne(ctx, blockFilter(workflowID, blockID))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return api.ErrBlockNotFound
	}
	return nil
}

func (s *MongoEntityStore) UpdateSubblockValue(ctx context.Context, workflowID, blockID, subblockID string, value any) error {
	res, err := s.blocks.UpdateOne(ctx,
		blockFilter(workflowID, blockID),
		bson.M{"$set": bson.M{"subblocks." + subblockID: value}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrBlockNotFound
	}
	return nil
}

func (s *MongoEntityStore) AddVariable(ctx context.Context, workflowID string, v api.Variable) error {
	doc := mongoVariableDoc{
		WorkflowID: workflowID,
		VariableID: v.ID,
		Fields:     v.Fields,
	}
	_, err := s.variables.ReplaceOne(ctx,
		variableFilter(workflowID, v.ID),
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoEntityStore) GetVariable(ctx context.Context, workflowID, variableID string) (api.Variable, error) {
	var doc mongoVariableDoc
	err := s.variables.FindOne(ctx, variableFilter(workflowID, variableID)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.Variable{}, api.ErrVariableNotFound
		}
		return api.Variable{}, err
	}
	return api.Variable{ID: doc.VariableID, Fields: doc.Fields}, nil
}

func (s *MongoEntityStore) RemoveVariable(ctx context.Context, workflowID, variableID string) error {
	res, err := s.variables.DeleteOne(ctx, variableFilter(workflowID, variableID))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return api.ErrVariableNotFound
	}
	return nil
}

func (s *MongoEntityStore) UpdateVariableField(ctx context.Context, workflowID, variableID, field string, value any) error {
	res, err := s.variables.UpdateOne(ctx,
		variableFilter(workflowID, variableID),
		bson.M{"$set": bson.M{"fields." + field: value}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrVariableNotFound
	}
	return nil
}

func (s *MongoEntityStore) AddEdge(ctx context.Context, workflowID string, e api.Edge) error {
	doc := mongoEdgeDoc{
		WorkflowID: workflowID,
		EdgeID:     e.ID,
		SourceID:   e.Source,
		TargetID:   e.Target,
	}
	_, err := s.edges.ReplaceOne(ctx,
		bson.M{"workflow_id": workflowID, "edge_id": e.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoEntityStore) RemoveEdge(ctx context.Context, workflowID, edgeID string) error {
	res, err := s.edges.DeleteOne(ctx, bson.M{"workflow_id": workflowID, "edge_id": edgeID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return api.ErrEdgeNotFound
	}
	return nil
}

func (s *MongoEntityStore) ListEdges(ctx context.Context, workflowID string) ([]api.Edge, error) {
	cur, err := s.edges.Find(ctx, bson.M{"workflow_id": workflowID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var edges []api.Edge
	for cur.Next(ctx) {
		var doc mongoEdgeDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		edges = append(edges, api.Edge{ID: doc.EdgeID, Source: doc.SourceID, Target: doc.TargetID})
	}
	return edges, cur.Err()
}
