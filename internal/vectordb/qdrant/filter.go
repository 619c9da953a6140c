package qdrant

import (
	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// CompileFilter turns a search filter tree into Qdrant's payload filter
// form. Metadata fields keep their dot path; Qdrant resolves nested keys
// natively.
func CompileFilter(f *models.Filter) (map[string]interface{}, error) {
	if f == nil {
		return nil, nil
	}
	if err := f.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "invalid filter", err)
	}
	return compileNode(f)
}

func compileNode(f *models.Filter) (map[string]interface{}, error) {
	switch {
	case len(f.And) > 0:
		conditions, err := compileGroup(f.And)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"must": conditions}, nil
	case len(f.Or) > 0:
		conditions, err := compileGroup(f.Or)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"should": conditions}, nil
	case f.Not != nil:
		condition, err := compileNode(f.Not)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"must_not": []interface{}{condition}}, nil
	default:
		return compileLeaf(f)
	}
}

func compileGroup(subs []*models.Filter) ([]interface{}, error) {
	conditions := make([]interface{}, 0, len(subs))
	for _, sub := range subs {
		condition, err := compileNode(sub)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, condition)
	}
	return conditions, nil
}

func compileLeaf(f *models.Filter) (map[string]interface{}, error) {
	switch f.Op {
	case models.OpEq:
		return map[string]interface{}{
			"key":   f.Field,
			"match": map[string]interface{}{"value": f.Value},
		}, nil
	case models.OpNeq:
		return map[string]interface{}{
			"must_not": []interface{}{map[string]interface{}{
				"key":   f.Field,
				"match": map[string]interface{}{"value": f.Value},
			}},
		}, nil
	case models.OpIn:
		return map[string]interface{}{
			"key":   f.Field,
			"match": map[string]interface{}{"any": f.Value},
		}, nil
	case models.OpGte:
		return map[string]interface{}{
			"key":   f.Field,
			"range": map[string]interface{}{"gte": f.Value},
		}, nil
	case models.OpLte:
		return map[string]interface{}{
			"key":   f.Field,
			"range": map[string]interface{}{"lte": f.Value},
		}, nil
	case models.OpContains:
		return map[string]interface{}{
			"key":   f.Field,
			"match": map[string]interface{}{"text": f.Value},
		}, nil
	default:
		return nil, apperr.InvalidInputf("unknown filter operator %q", f.Op)
	}
}

// DocumentFilter matches every point of one document
func DocumentFilter(documentID string) map[string]interface{} {
	return map[string]interface{}{
		"must": []interface{}{map[string]interface{}{
			"key":   "document_id",
			"match": map[string]interface{}{"value": documentID},
		}},
	}
}
