package knowledge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// setupTestStore connects to a local Neo4j instance, skipping the test
// when none is reachable.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	config := DefaultConfig()
	if v := os.Getenv("NEO4J_URI"); v != "" {
		config.URI = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		config.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		config.Password = v
	}
	if v := os.Getenv("NEO4J_DATABASE"); v != "" {
		config.Database = v
	}

	store, err := NewStore(config, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Connect(ctx); err != nil {
		t.Skipf("Skipping test: Neo4j not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

// testKB registers a throwaway kb id whose graph is wiped on cleanup.
func testKB(t *testing.T, store *Store) string {
	t.Helper()
	kbID := "test-kb-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		session := store.session(ctx, neo4j.AccessModeWrite)
		defer session.Close(ctx)
		result, err := session.Run(ctx, "MATCH (n {kb_id: $kb_id}) DETACH DELETE n",
			map[string]interface{}{"kb_id": kbID})
		if err == nil {
			_, _ = result.Consume(ctx)
		}
	})
	return kbID
}

func TestStoreEntityLifecycle(t *testing.T) {
	store := setupTestStore(t)
	kbID := testKB(t, store)
	ctx := context.Background()

	err := store.UpsertEntities(ctx, kbID, "doc1", []Entity{
		{Name: "Neural Network", Type: EntityTypeConcept, Confidence: 0.6, Mentions: 2, SourceChunkIDs: []string{"c1"}},
		{Name: "Backpropagation", Type: EntityTypeConcept, Confidence: 0.5, Mentions: 1, SourceChunkIDs: []string{"c1"}},
	})
	require.NoError(t, err)

	nnID := EntityID(kbID, "Neural Network", EntityTypeConcept)
	bpID := EntityID(kbID, "Backpropagation", EntityTypeConcept)

	err = store.UpsertRelations(ctx, kbID, []Relation{
		{SourceEntityID: nnID, TargetEntityID: bpID, Type: RelationUses, Weight: 0.7, SourceChunkIDs: []string{"c1"}},
	})
	require.NoError(t, err)

	sub, err := store.Neighborhood(ctx, kbID, []string{"neural network"}, 2)
	require.NoError(t, err)
	require.Len(t, sub.Entities, 2)

	seed := sub.Entities[0]
	assert.Equal(t, nnID, seed.ID)
	assert.Equal(t, 0, seed.Depth)
	assert.InDelta(t, 0.6, seed.PathScore, 1e-6)
	assert.Equal(t, []string{"c1"}, seed.SourceChunkIDs)

	neighbor := sub.Entities[1]
	assert.Equal(t, bpID, neighbor.ID)
	assert.Equal(t, 1, neighbor.Depth)
	assert.InDelta(t, 0.6*0.7, neighbor.PathScore, 1e-6)

	require.Len(t, sub.Relations, 1)
	assert.Equal(t, nnID, sub.Relations[0].SourceEntityID)
	assert.Equal(t, RelationUses, sub.Relations[0].Type)
	assert.InDelta(t, 0.7, sub.Relations[0].Weight, 1e-6)

	// re-upsert merges on the natural key: max confidence, union chunks
	err = store.UpsertEntities(ctx, kbID, "doc2", []Entity{
		{Name: "neural network", Type: EntityTypeConcept, Confidence: 0.9, Mentions: 1, SourceChunkIDs: []string{"c2"}},
	})
	require.NoError(t, err)

	sub, err = store.Neighborhood(ctx, kbID, []string{"Neural Network"}, 1)
	require.NoError(t, err)
	require.Len(t, sub.Entities, 2)
	assert.InDelta(t, 0.9, sub.Entities[0].PathScore, 1e-6)
	assert.ElementsMatch(t, []string{"c1", "c2"}, sub.Entities[0].SourceChunkIDs)

	count, err := store.CountEntities(ctx, kbID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestUpsertRelationsMissingEndpoint(t *testing.T) {
	store := setupTestStore(t)
	kbID := testKB(t, store)
	ctx := context.Background()

	err := store.UpsertEntities(ctx, kbID, "doc1", []Entity{
		{Name: "Redis", Type: EntityTypeConcept, Confidence: 0.6, SourceChunkIDs: []string{"c1"}},
	})
	require.NoError(t, err)

	redisID := EntityID(kbID, "Redis", EntityTypeConcept)
	ghostID := EntityID(kbID, "Ghost", EntityTypeConcept)

	err = store.UpsertRelations(ctx, kbID, []Relation{
		{SourceEntityID: redisID, TargetEntityID: ghostID, Type: RelationUses, Weight: 0.5},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
	assert.Contains(t, err.Error(), ghostID)
}

func TestNeighborhoodDepthLimit(t *testing.T) {
	store := setupTestStore(t)
	kbID := testKB(t, store)
	ctx := context.Background()

	names := []string{"Alpha", "Bravo", "Charlie", "Delta"}
	var entities []Entity
	for _, n := range names {
		entities = append(entities, Entity{
			Name: n, Type: EntityTypeConcept, Confidence: 0.8, SourceChunkIDs: []string{"c1"},
		})
	}
	require.NoError(t, store.UpsertEntities(ctx, kbID, "doc1", entities))

	ids := make([]string, len(names))
	for i, n := range names {
		ids[i] = EntityID(kbID, n, EntityTypeConcept)
	}
	var relations []Relation
	for i := 0; i+1 < len(ids); i++ {
		relations = append(relations, Relation{
			SourceEntityID: ids[i], TargetEntityID: ids[i+1],
			Type: RelationRelatedTo, Weight: 0.5, SourceChunkIDs: []string{"c1"},
		})
	}
	require.NoError(t, store.UpsertRelations(ctx, kbID, relations))

	sub, err := store.Neighborhood(ctx, kbID, []string{"alpha"}, 1)
	require.NoError(t, err)
	require.Len(t, sub.Entities, 2)
	assert.Equal(t, ids[0], sub.Entities[0].ID)
	assert.Equal(t, ids[1], sub.Entities[1].ID)

	sub, err = store.Neighborhood(ctx, kbID, []string{"alpha"}, 3)
	require.NoError(t, err)
	require.Len(t, sub.Entities, 4)
	last := sub.Entities[3]
	assert.Equal(t, ids[3], last.ID)
	assert.Equal(t, 3, last.Depth)
	assert.InDelta(t, 0.8*0.5*0.5*0.5, last.PathScore, 1e-6)
	assert.Len(t, sub.Relations, 3)

	sub, err = store.Neighborhood(ctx, kbID, []string{"does-not-exist"}, 2)
	require.NoError(t, err)
	assert.Empty(t, sub.Entities)
	assert.Empty(t, sub.Relations)
}

func TestDeleteByDocumentPrunesOrphans(t *testing.T) {
	store := setupTestStore(t)
	kbID := testKB(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpsertEntities(ctx, kbID, "doc1", []Entity{
		{Name: "Solo", Type: EntityTypeConcept, Confidence: 0.6, SourceChunkIDs: []string{"c1"}},
		{Name: "Shared", Type: EntityTypeConcept, Confidence: 0.6, SourceChunkIDs: []string{"c1"}},
	}))
	require.NoError(t, store.UpsertEntities(ctx, kbID, "doc2", []Entity{
		{Name: "Other", Type: EntityTypeConcept, Confidence: 0.6, SourceChunkIDs: []string{"c2"}},
		{Name: "Shared", Type: EntityTypeConcept, Confidence: 0.6, SourceChunkIDs: []string{"c2"}},
	}))

	soloID := EntityID(kbID, "Solo", EntityTypeConcept)
	sharedID := EntityID(kbID, "Shared", EntityTypeConcept)
	otherID := EntityID(kbID, "Other", EntityTypeConcept)
	require.NoError(t, store.UpsertRelations(ctx, kbID, []Relation{
		{SourceEntityID: soloID, TargetEntityID: sharedID, Type: RelationRelatedTo, Weight: 0.5, SourceChunkIDs: []string{"c1"}},
		{SourceEntityID: otherID, TargetEntityID: sharedID, Type: RelationRelatedTo, Weight: 0.5, SourceChunkIDs: []string{"c2"}},
	}))

	require.NoError(t, store.DeleteByDocument(ctx, kbID, "doc1"))

	sub, err := store.Neighborhood(ctx, kbID, []string{"solo"}, 2)
	require.NoError(t, err)
	assert.Empty(t, sub.Entities, "entity evidenced only by doc1 must be gone")

	sub, err = store.Neighborhood(ctx, kbID, []string{"shared"}, 1)
	require.NoError(t, err)
	require.Len(t, sub.Entities, 2)
	assert.Equal(t, []string{"c2"}, sub.Entities[0].SourceChunkIDs)
	require.Len(t, sub.Relations, 1)
	assert.Equal(t, otherID, sub.Relations[0].SourceEntityID)

	count, err := store.CountEntities(ctx, kbID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, store.DeleteByDocument(ctx, kbID, "doc2"))
	count, err = store.CountEntities(ctx, kbID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestStoreRequiresConnect(t *testing.T) {
	store, err := NewStore(DefaultConfig(), testLogger())
	require.NoError(t, err)

	_, err = store.Neighborhood(context.Background(), "kb", []string{"x"}, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDependencyFailure))
}
