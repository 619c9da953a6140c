package qdrant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

func TestCompileFilterNil(t *testing.T) {
	compiled, err := CompileFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, compiled)
}

func TestCompileFilterEq(t *testing.T) {
	compiled, err := CompileFilter(&models.Filter{
		Field: "document_id", Op: models.OpEq, Value: "doc-1",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"key":   "document_id",
		"match": map[string]interface{}{"value": "doc-1"},
	}, compiled)
}

func TestCompileFilterNeqWrapsMustNot(t *testing.T) {
	compiled, err := CompileFilter(&models.Filter{
		Field: "oversize", Op: models.OpNeq, Value: true,
	})
	require.NoError(t, err)
	mustNot, ok := compiled["must_not"].([]interface{})
	require.True(t, ok)
	require.Len(t, mustNot, 1)
}

func TestCompileFilterRange(t *testing.T) {
	compiled, err := CompileFilter(&models.Filter{
		Field: "chunk_index", Op: models.OpGte, Value: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"key":   "chunk_index",
		"range": map[string]interface{}{"gte": 3},
	}, compiled)
}

func TestCompileFilterIn(t *testing.T) {
	compiled, err := CompileFilter(&models.Filter{
		Field: "document_id", Op: models.OpIn, Value: []interface{}{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"key":   "document_id",
		"match": map[string]interface{}{"any": []interface{}{"a", "b"}},
	}, compiled)
}

func TestCompileFilterMetadataDotPath(t *testing.T) {
	compiled, err := CompileFilter(&models.Filter{
		Field: "metadata.section", Op: models.OpContains, Value: "intro",
	})
	require.NoError(t, err)
	assert.Equal(t, "metadata.section", compiled["key"])
	assert.Equal(t, map[string]interface{}{"text": "intro"}, compiled["match"])
}

func TestCompileFilterBooleanTree(t *testing.T) {
	compiled, err := CompileFilter(&models.Filter{
		And: []*models.Filter{
			{Field: "document_id", Op: models.OpEq, Value: "doc-1"},
			{Or: []*models.Filter{
				{Field: "chunk_index", Op: models.OpLte, Value: 10},
				{Not: &models.Filter{Field: "oversize", Op: models.OpEq, Value: true}},
			}},
		},
	})
	require.NoError(t, err)

	must, ok := compiled["must"].([]interface{})
	require.True(t, ok)
	require.Len(t, must, 2)

	or, ok := must[1].(map[string]interface{})
	require.True(t, ok)
	should, ok := or["should"].([]interface{})
	require.True(t, ok)
	require.Len(t, should, 2)

	not, ok := should[1].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, not, "must_not")
}

func TestCompileFilterInvalid(t *testing.T) {
	_, err := CompileFilter(&models.Filter{Field: "secret", Op: models.OpEq, Value: 1})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestDocumentFilter(t *testing.T) {
	filter := DocumentFilter("doc-9")
	must, ok := filter["must"].([]interface{})
	require.True(t, ok)
	require.Len(t, must, 1)
	condition := must[0].(map[string]interface{})
	assert.Equal(t, "document_id", condition["key"])
}
