package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

func TestCompileFilterLeafEq(t *testing.T) {
	clause, args, err := compileFilterSQL(&models.Filter{
		Field: "document_id", Op: models.OpEq, Value: "doc-1",
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, "document_id = $3", clause)
	assert.Equal(t, []interface{}{"doc-1"}, args)
}

func TestCompileFilterChunkType(t *testing.T) {
	clause, args, err := compileFilterSQL(&models.Filter{
		Field: "chunk_type", Op: models.OpEq, Value: models.ChunkTypeTable,
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "chunk_type = $1", clause)
	assert.Equal(t, []interface{}{"table"}, args)
}

func TestCompileFilterMetadataKey(t *testing.T) {
	clause, args, err := compileFilterSQL(&models.Filter{
		Field: "metadata.author", Op: models.OpEq, Value: "kim",
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "metadata->>'author' = $1", clause)
	assert.Equal(t, []interface{}{"kim"}, args)
}

func TestCompileFilterNestedBoolean(t *testing.T) {
	filter := &models.Filter{
		And: []*models.Filter{
			{Field: "metadata.lang", Op: models.OpEq, Value: "zh"},
			{Or: []*models.Filter{
				{Field: "chunk_index", Op: models.OpGte, Value: 5},
				{Not: &models.Filter{Field: "oversize", Op: models.OpEq, Value: true}},
			}},
		},
	}
	clause, args, err := compileFilterSQL(filter, 1)
	require.NoError(t, err)
	assert.Equal(t, "(metadata->>'lang' = $1 AND (chunk_index >= $2 OR NOT (oversize = $3)))", clause)
	assert.Len(t, args, 3)
}

func TestCompileFilterIn(t *testing.T) {
	clause, args, err := compileFilterSQL(&models.Filter{
		Field: "document_id", Op: models.OpIn, Value: []interface{}{"a", "b"},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, "document_id IN ($2, $3)", clause)
	assert.Equal(t, []interface{}{"a", "b"}, args)
}

func TestCompileFilterContains(t *testing.T) {
	clause, args, err := compileFilterSQL(&models.Filter{
		Field: "metadata.title", Op: models.OpContains, Value: "intro",
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "metadata->>'title' ILIKE $1", clause)
	assert.Equal(t, []interface{}{"%intro%"}, args)
}

func TestCompileFilterRejectsUnknownField(t *testing.T) {
	_, _, err := compileFilterSQL(&models.Filter{
		Field: "password", Op: models.OpEq, Value: "x",
	}, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestCompileFilterRejectsUnknownOp(t *testing.T) {
	_, _, err := compileFilterSQL(&models.Filter{
		Field: "document_id", Op: "regex", Value: ".*",
	}, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestCompileFilterRejectsMixedNode(t *testing.T) {
	_, _, err := compileFilterSQL(&models.Filter{
		And:   []*models.Filter{{Field: "document_id", Op: models.OpEq, Value: "a"}},
		Field: "document_id", Op: models.OpEq, Value: "b",
	}, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}
