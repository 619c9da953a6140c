package knowledge

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Entity type labels assigned by the extractor. Concept is the fallback
// for capitalized names that match no more specific category.
const (
	EntityTypeConcept      = "concept"
	EntityTypeAcronym      = "acronym"
	EntityTypeTerm         = "term"
	EntityTypePerson       = "person"
	EntityTypeOrganization = "organization"
	EntityTypeLocation     = "location"
	EntityTypeProduct      = "product"
	EntityTypeEvent        = "event"
)

// Relation type labels.
const (
	RelationIsA       = "is_a"
	RelationPartOf    = "part_of"
	RelationUses      = "uses"
	RelationContains  = "contains"
	RelationRelatedTo = "related_to"
)

// Entity is a node in the knowledge graph. Entities are keyed by
// (kb_id, name, type) with the name compared case-insensitively; the ID
// is derived deterministically from that key so repeated extraction of
// the same document converges on the same nodes.
type Entity struct {
	ID             string   `json:"id"`
	KBID           string   `json:"kb_id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Description    string   `json:"description,omitempty"`
	Confidence     float64  `json:"confidence"`
	Mentions       int      `json:"mentions,omitempty"`
	SourceChunkIDs []string `json:"source_chunk_ids,omitempty"`
}

// Relation is a directed edge between two entities.
type Relation struct {
	ID             string   `json:"id"`
	KBID           string   `json:"kb_id"`
	SourceEntityID string   `json:"source_entity_id"`
	TargetEntityID string   `json:"target_entity_id"`
	Type           string   `json:"type"`
	Description    string   `json:"description,omitempty"`
	Weight         float64  `json:"weight"`
	SourceChunkIDs []string `json:"source_chunk_ids,omitempty"`
}

// GraphEntity is an entity returned from a neighborhood traversal,
// tagged with its distance from the nearest seed and a path score:
// seed confidence times the product of traversed edge weights.
type GraphEntity struct {
	Entity
	Depth     int     `json:"depth"`
	PathScore float64 `json:"path_score"`
}

// Subgraph is the result of a neighborhood query: the reachable
// entities plus the relations among them.
type Subgraph struct {
	Entities  []GraphEntity `json:"entities"`
	Relations []Relation    `json:"relations"`
}

// ChunkIDs returns the distinct source chunk ids across all entities in
// the subgraph, in entity order.
func (s *Subgraph) ChunkIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range s.Entities {
		for _, id := range e.SourceChunkIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// EntityID derives the deterministic id for an entity natural key.
func EntityID(kbID, name, entityType string) string {
	key := fmt.Sprintf("%s/%s/%s", kbID, strings.ToLower(name), entityType)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// RelationID derives the deterministic id for a relation.
func RelationID(kbID, sourceID, targetID, relType string) string {
	key := fmt.Sprintf("%s/%s/%s/%s", kbID, sourceID, targetID, relType)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
