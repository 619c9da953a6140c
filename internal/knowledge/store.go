// Package knowledge maintains the per-knowledge-base entity graph in
// Neo4j. Documents contribute Chunk nodes linked to Entity nodes via
// MENTIONS edges, and entities link to each other via RELATES_TO edges;
// the retrieval engine walks this graph to expand a query into related
// chunks.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

// Store is a Neo4j-backed graph store. Managed transactions give every
// write its own retry on transient cluster errors, so the store does
// not layer a second retry loop on top.
type Store struct {
	config *Config
	driver neo4j.DriverWithContext
	logger *logrus.Logger

	mu        sync.RWMutex
	connected bool
}

// NewStore creates a graph store from the given configuration. Call
// Connect before using it.
func NewStore(config *Config, logger *logrus.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "invalid neo4j config", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	driver, err := neo4j.NewDriverWithContext(config.URI, neo4j.BasicAuth(config.Username, config.Password, ""))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "invalid neo4j uri", err)
	}

	return &Store{
		config: config,
		driver: driver,
		logger: logger,
	}, nil
}

// Connect verifies connectivity and ensures the schema constraints and
// indexes exist.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return apperr.DependencyFailure("failed to connect to neo4j", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	s.connected = true
	s.logger.WithFields(logrus.Fields{
		"uri":      s.config.URI,
		"database": s.config.Database,
	}).Info("Connected to Neo4j graph store")
	return nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return s.driver.Close(ctx)
}

// IsConnected reports whether Connect has succeeded.
func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// HealthCheck verifies the server is still reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return apperr.DependencyFailure("neo4j health check failed", err)
	}
	return nil
}

func (s *Store) ensureConnected() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return apperr.DependencyFailure("graph store is not connected", nil)
	}
	return nil
}

// ensureSchema creates the uniqueness constraints and lookup indexes.
// Schema statements run in auto-commit transactions.
func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (c:Chunk) REQUIRE c.chunk_id IS UNIQUE",
		"CREATE INDEX entity_natural_key IF NOT EXISTS FOR (e:Entity) ON (e.kb_id, e.name_key, e.type)",
		"CREATE INDEX chunk_document IF NOT EXISTS FOR (c:Chunk) ON (c.kb_id, c.document_id)",
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.config.Database})
	defer session.Close(ctx)

	for _, stmt := range statements {
		result, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return apperr.DependencyFailure("failed to ensure graph schema", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return apperr.DependencyFailure("failed to ensure graph schema", err)
		}
	}
	return nil
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.config.Database,
		AccessMode:   mode,
	})
}

// graphErr maps a driver error to the service error taxonomy.
func (s *Store) graphErr(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Cancelled(fmt.Sprintf("neo4j %s cancelled", op), err)
	}
	return apperr.DependencyFailure(fmt.Sprintf("neo4j %s failed", op), err)
}

// UpsertEntities merges the given entities into the graph. Entities are
// keyed by (kb_id, name, type); re-upserting an existing key unions the
// mentioning chunks, keeps the highest confidence, and keeps the longer
// description. Every chunk id must belong to docID: the Chunk nodes it
// creates are what DeleteByDocument later removes.
func (s *Store) UpsertEntities(ctx context.Context, kbID, docID string, entities []Entity) error {
	if err := s.ensureConnected(); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	params := make([]map[string]interface{}, 0, len(entities))
	for _, e := range entities {
		if e.Name == "" || e.Type == "" {
			return apperr.InvalidInput("entity name and type are required")
		}
		id := e.ID
		if id == "" {
			id = EntityID(kbID, e.Name, e.Type)
		}
		params = append(params, map[string]interface{}{
			"id":          id,
			"name":        e.Name,
			"name_key":    strings.ToLower(e.Name),
			"type":        e.Type,
			"description": e.Description,
			"confidence":  e.Confidence,
			"mentions":    e.Mentions,
			"chunk_ids":   toInterfaceSlice(e.SourceChunkIDs),
		})
	}

	query := `
UNWIND $entities AS ent
MERGE (e:Entity {kb_id: $kb_id, name_key: ent.name_key, type: ent.type})
ON CREATE SET e.id = ent.id,
              e.name = ent.name,
              e.description = ent.description,
              e.confidence = ent.confidence,
              e.created_at = timestamp()
ON MATCH SET e.confidence = CASE WHEN ent.confidence > e.confidence THEN ent.confidence ELSE e.confidence END,
             e.description = CASE WHEN size(coalesce(e.description, '')) < size(ent.description) THEN ent.description ELSE e.description END
SET e.updated_at = timestamp()
WITH e, ent
UNWIND ent.chunk_ids AS cid
MERGE (c:Chunk {chunk_id: cid})
ON CREATE SET c.kb_id = $kb_id, c.document_id = $doc_id
MERGE (c)-[m:MENTIONS]->(e)
ON CREATE SET m.count = CASE WHEN ent.mentions > 0 THEN ent.mentions ELSE 1 END
ON MATCH SET m.count = m.count + CASE WHEN ent.mentions > 0 THEN ent.mentions ELSE 1 END`

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, query, map[string]interface{}{
			"kb_id":    kbID,
			"doc_id":   docID,
			"entities": params,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return s.graphErr("entity upsert", err)
	}

	s.logger.WithFields(logrus.Fields{
		"kb_id":       kbID,
		"document_id": docID,
		"entities":    len(entities),
	}).Debug("Upserted graph entities")
	return nil
}

// UpsertRelations merges the given relations. Both endpoints must
// already exist in the graph, otherwise InvalidInput is returned and
// nothing is written. Relations are keyed by (source, target, type);
// re-upserting keeps the highest weight and unions source chunk ids.
func (s *Store) UpsertRelations(ctx context.Context, kbID string, relations []Relation) error {
	if err := s.ensureConnected(); err != nil {
		return err
	}
	if len(relations) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	endpointSet := make(map[string]bool)
	params := make([]map[string]interface{}, 0, len(relations))
	for _, r := range relations {
		if r.SourceEntityID == "" || r.TargetEntityID == "" || r.Type == "" {
			return apperr.InvalidInput("relation endpoints and type are required")
		}
		endpointSet[r.SourceEntityID] = true
		endpointSet[r.TargetEntityID] = true
		id := r.ID
		if id == "" {
			id = RelationID(kbID, r.SourceEntityID, r.TargetEntityID, r.Type)
		}
		params = append(params, map[string]interface{}{
			"id":          id,
			"source_id":   r.SourceEntityID,
			"target_id":   r.TargetEntityID,
			"type":        r.Type,
			"description": r.Description,
			"weight":      r.Weight,
			"chunk_ids":   toInterfaceSlice(r.SourceChunkIDs),
		})
	}
	endpoints := make([]interface{}, 0, len(endpointSet))
	for id := range endpointSet {
		endpoints = append(endpoints, id)
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, `
UNWIND $ids AS eid
MATCH (e:Entity {kb_id: $kb_id, id: eid})
RETURN collect(e.id) AS found`, map[string]interface{}{
			"kb_id": kbID,
			"ids":   endpoints,
		})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		found := make(map[string]bool)
		for _, id := range recordStrings(record, "found") {
			found[id] = true
		}
		var missing []string
		for id := range endpointSet {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, apperr.InvalidInputf("relation endpoints not found: %s", strings.Join(missing, ", "))
		}

		result, err = tx.Run(ctx, `
UNWIND $relations AS rel
MATCH (a:Entity {kb_id: $kb_id, id: rel.source_id})
MATCH (b:Entity {kb_id: $kb_id, id: rel.target_id})
MERGE (a)-[r:RELATES_TO {rel_type: rel.type}]->(b)
ON CREATE SET r.id = rel.id,
              r.kb_id = $kb_id,
              r.weight = rel.weight,
              r.description = rel.description,
              r.source_chunk_ids = rel.chunk_ids
ON MATCH SET r.weight = CASE WHEN rel.weight > r.weight THEN rel.weight ELSE r.weight END,
             r.source_chunk_ids = r.source_chunk_ids + [x IN rel.chunk_ids WHERE NOT x IN r.source_chunk_ids]`,
			map[string]interface{}{
				"kb_id":     kbID,
				"relations": params,
			})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return s.graphErr("relation upsert", err)
	}

	s.logger.WithFields(logrus.Fields{
		"kb_id":     kbID,
		"relations": len(relations),
	}).Debug("Upserted graph relations")
	return nil
}

// Neighborhood returns the subgraph within maxHops of any entity whose
// name matches one of the given names (case-insensitive). Each returned
// entity is tagged with its minimum distance from a seed and a path
// score: seed confidence times the product of traversed edge weights,
// maximized over all connecting paths. Results are ordered by depth,
// then path score descending.
func (s *Store) Neighborhood(ctx context.Context, kbID string, names []string, maxHops int) (*Subgraph, error) {
	if err := s.ensureConnected(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return &Subgraph{}, nil
	}
	if maxHops < 1 {
		maxHops = s.config.MaxHops
	}
	if maxHops > maxGraphHops {
		maxHops = maxGraphHops
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	lowered := make([]interface{}, 0, len(names))
	for _, n := range names {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(n)))
	}

	// Variable-length bounds cannot be parameterized; maxHops is a
	// clamped int so the Sprintf is safe.
	entityQuery := fmt.Sprintf(`
MATCH (seed:Entity {kb_id: $kb_id})
WHERE seed.name_key IN $names
MATCH path = (seed)-[:RELATES_TO*0..%d]-(other:Entity)
WITH other, min(length(path)) AS depth,
     max(CASE WHEN length(path) = 0 THEN seed.confidence
         ELSE seed.confidence * reduce(w = 1.0, r IN relationships(path) | w * coalesce(r.weight, 0.5)) END) AS pathScore
OPTIONAL MATCH (c:Chunk)-[m:MENTIONS]->(other)
WITH other, depth, pathScore, collect(DISTINCT c.chunk_id) AS chunkIDs, sum(coalesce(m.count, 0)) AS mentions
RETURN other.id AS id, other.name AS name, other.type AS type,
       coalesce(other.description, '') AS description,
       other.confidence AS confidence, mentions,
       depth, pathScore, chunkIDs
ORDER BY depth ASC, pathScore DESC, other.name_key ASC
LIMIT $limit`, maxHops)

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, entityQuery, map[string]interface{}{
			"kb_id": kbID,
			"names": lowered,
			"limit": s.config.MaxNodes,
		})
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}

		sub := &Subgraph{}
		ids := make([]interface{}, 0, len(records))
		for _, rec := range records {
			entity := GraphEntity{
				Entity: Entity{
					ID:             recordString(rec, "id"),
					KBID:           kbID,
					Name:           recordString(rec, "name"),
					Type:           recordString(rec, "type"),
					Description:    recordString(rec, "description"),
					Confidence:     recordFloat(rec, "confidence"),
					Mentions:       int(recordInt(rec, "mentions")),
					SourceChunkIDs: recordStrings(rec, "chunkIDs"),
				},
				Depth:     int(recordInt(rec, "depth")),
				PathScore: recordFloat(rec, "pathScore"),
			}
			sub.Entities = append(sub.Entities, entity)
			ids = append(ids, entity.ID)
		}
		if len(ids) == 0 {
			return sub, nil
		}

		result, err = tx.Run(ctx, `
MATCH (a:Entity {kb_id: $kb_id})-[r:RELATES_TO]->(b:Entity {kb_id: $kb_id})
WHERE a.id IN $ids AND b.id IN $ids
RETURN r.id AS id, a.id AS source_id, b.id AS target_id, r.rel_type AS rel_type,
       coalesce(r.description, '') AS description, coalesce(r.weight, 0.5) AS weight`,
			map[string]interface{}{
				"kb_id": kbID,
				"ids":   ids,
			})
		if err != nil {
			return nil, err
		}
		relRecords, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range relRecords {
			sub.Relations = append(sub.Relations, Relation{
				ID:             recordString(rec, "id"),
				KBID:           kbID,
				SourceEntityID: recordString(rec, "source_id"),
				TargetEntityID: recordString(rec, "target_id"),
				Type:           recordString(rec, "rel_type"),
				Description:    recordString(rec, "description"),
				Weight:         recordFloat(rec, "weight"),
			})
		}
		return sub, nil
	})
	if err != nil {
		return nil, s.graphErr("neighborhood query", err)
	}

	sub := out.(*Subgraph)
	s.logger.WithFields(logrus.Fields{
		"kb_id":     kbID,
		"seeds":     len(names),
		"max_hops":  maxHops,
		"entities":  len(sub.Entities),
		"relations": len(sub.Relations),
	}).Debug("Neighborhood query completed")
	return sub, nil
}

// DeleteByDocument removes the document's chunk nodes and every entity
// whose only mentioning chunks belonged to that document, detaching its
// relations. Relations evidenced solely by the document's chunks are
// removed even when both endpoints survive.
func (s *Store) DeleteByDocument(ctx context.Context, kbID, docID string) error {
	if err := s.ensureConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, `
MATCH (c:Chunk {kb_id: $kb_id, document_id: $doc_id})
RETURN collect(c.chunk_id) AS ids`, map[string]interface{}{
			"kb_id":  kbID,
			"doc_id": docID,
		})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		chunkIDs := recordStrings(record, "ids")

		if _, err := tx.Run(ctx, `
MATCH (c:Chunk {kb_id: $kb_id, document_id: $doc_id})
DETACH DELETE c`, map[string]interface{}{
			"kb_id":  kbID,
			"doc_id": docID,
		}); err != nil {
			return nil, err
		}

		if len(chunkIDs) > 0 {
			if _, err := tx.Run(ctx, `
MATCH (:Entity {kb_id: $kb_id})-[r:RELATES_TO]->(:Entity)
WHERE r.source_chunk_ids IS NOT NULL
SET r.source_chunk_ids = [x IN r.source_chunk_ids WHERE NOT x IN $ids]
WITH r
WHERE size(r.source_chunk_ids) = 0
DELETE r`, map[string]interface{}{
				"kb_id": kbID,
				"ids":   toInterfaceSlice(chunkIDs),
			}); err != nil {
				return nil, err
			}
		}

		result, err = tx.Run(ctx, `
MATCH (e:Entity {kb_id: $kb_id})
WHERE NOT EXISTS { (:Chunk)-[:MENTIONS]->(e) }
DETACH DELETE e
RETURN count(e) AS removed`, map[string]interface{}{
			"kb_id": kbID,
		})
		if err != nil {
			return nil, err
		}
		record, err = result.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recordInt(record, "removed"), nil
	})
	if err != nil {
		return s.graphErr("document delete", err)
	}

	s.logger.WithFields(logrus.Fields{
		"kb_id":            kbID,
		"document_id":      docID,
		"entities_removed": out.(int64),
	}).Info("Removed document from graph")
	return nil
}

// DeleteByKB removes the knowledge base's entire subgraph: every chunk
// node, entity, and relation scoped to it.
func (s *Store) DeleteByKB(ctx context.Context, kbID string) error {
	if err := s.ensureConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		if _, err := tx.Run(ctx, `
MATCH (c:Chunk {kb_id: $kb_id})
DETACH DELETE c`, map[string]interface{}{"kb_id": kbID}); err != nil {
			return nil, err
		}

		result, err := tx.Run(ctx, `
MATCH (e:Entity {kb_id: $kb_id})
DETACH DELETE e
RETURN count(e) AS removed`, map[string]interface{}{"kb_id": kbID})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recordInt(record, "removed"), nil
	})
	if err != nil {
		return s.graphErr("knowledge base delete", err)
	}

	s.logger.WithFields(logrus.Fields{
		"kb_id":            kbID,
		"entities_removed": out.(int64),
	}).Info("Removed knowledge base from graph")
	return nil
}

// CountEntities returns the number of entities in a knowledge base.
func (s *Store) CountEntities(ctx context.Context, kbID string) (int64, error) {
	if err := s.ensureConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, `MATCH (e:Entity {kb_id: $kb_id}) RETURN count(e) AS total`,
			map[string]interface{}{"kb_id": kbID})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recordInt(record, "total"), nil
	})
	if err != nil {
		return 0, s.graphErr("entity count", err)
	}
	return out.(int64), nil
}

func toInterfaceSlice(values []string) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

func recordString(record *neo4j.Record, key string) string {
	v, _ := record.Get(key)
	s, _ := v.(string)
	return s
}

func recordFloat(record *neo4j.Record, key string) float64 {
	v, _ := record.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func recordInt(record *neo4j.Record, key string) int64 {
	v, _ := record.Get(key)
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func recordStrings(record *neo4j.Record, key string) []string {
	v, _ := record.Get(key)
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
