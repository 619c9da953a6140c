package rag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/cache"
	"github.com/ruochenliao/ai-training-course-sub005/internal/config"
	"github.com/ruochenliao/ai-training-course-sub005/internal/knowledge"
	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
	"github.com/ruochenliao/ai-training-course-sub005/internal/vectordb/qdrant"
)

// VectorSearcher is the dense channel's index surface.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, vector []float32, opts *qdrant.SearchOptions) ([]qdrant.ScoredPoint, error)
}

// SparseSearcher is the sparse channel's full-text surface.
type SparseSearcher interface {
	SearchSparse(ctx context.Context, kbIDs []string, query string, filter *models.Filter, limit int) ([]*models.SearchResult, error)
}

// GraphSearcher walks entity neighborhoods for the graph channel.
type GraphSearcher interface {
	Neighborhood(ctx context.Context, kbID string, names []string, maxHops int) (*knowledge.Subgraph, error)
}

// ChunkFetcher resolves graph chunk ids to chunk rows.
type ChunkFetcher interface {
	GetByIDs(ctx context.Context, ids []string) ([]*models.Chunk, error)
}

// Metrics receives retrieval observations. Optional.
type Metrics interface {
	ObserveRetrieval(mode string, elapsed time.Duration)
	ChannelDegraded(channel string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRetrieval(string, time.Duration) {}
func (nopMetrics) ChannelDegraded(string)                 {}

// Deps bundles the engine's collaborators. Vectors, Sparse, and
// Embedder are required. Graph and Chunks enable the graph channel;
// Reranker enables reranking; Completer enables query expansion; Cache
// enables result caching.
type Deps struct {
	Vectors   VectorSearcher
	Sparse    SparseSearcher
	Graph     GraphSearcher
	Chunks    ChunkFetcher
	Embedder  llm.Embedder
	Reranker  llm.Reranker
	Completer llm.Completer
	Cache     *cache.Cache
	Metrics   Metrics
}

// Engine runs multi-channel retrieval with RRF fusion.
type Engine struct {
	cfg       config.RetrievalConfig
	deps      Deps
	extractor *knowledge.Extractor
	logger    *logrus.Logger
	metrics   Metrics
}

// NewEngine builds the retrieval engine, filling config defaults.
func NewEngine(cfg config.RetrievalConfig, deps Deps, logger *logrus.Logger) (*Engine, error) {
	if deps.Vectors == nil || deps.Sparse == nil {
		return nil, apperr.InvalidInput("retrieval engine requires vector and sparse searchers")
	}
	if deps.Embedder == nil {
		return nil, apperr.InvalidInput("retrieval engine requires an embedder")
	}
	if logger == nil {
		logger = logrus.New()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 5 * time.Second
	}
	if cfg.GraphMaxHops <= 0 {
		cfg.GraphMaxHops = 2
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.MaxExpansions <= 0 {
		cfg.MaxExpansions = 3
	}
	if cfg.ExpansionWeight <= 0 {
		cfg.ExpansionWeight = 0.3
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		extractor: knowledge.NewExtractor(),
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Retrieve runs the channels the request's mode selects, in parallel,
// and fuses their candidates. A failed or late channel is dropped and
// reported in Degraded; the call fails only when every channel failed.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if err := req.normalize(e.cfg.TopK); err != nil {
		return nil, err
	}

	var cacheKey string
	if e.deps.Cache.Enabled() {
		cacheKey = req.cacheKey(e.deps.Cache.EpochFingerprint(ctx, req.KBIDs))
		var cached Result
		if hit, err := e.deps.Cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			cached.LatencyMS = time.Since(start).Milliseconds()
			return &cached, nil
		}
	}

	queries := []string{req.Query}
	var expanded []string
	if req.Expand && e.deps.Completer != nil {
		expanded = e.expandQuery(ctx, req.Query)
		queries = append(queries, expanded...)
	}

	pool := preRerankPool(req.TopK)
	lists, degraded, err := e.gather(ctx, &req, queries, pool)
	if err != nil {
		return nil, err
	}

	fused := fuse(lists, e.cfg.RRFK)
	if len(fused) > pool {
		fused = fused[:pool]
	}

	rerankFailed := false
	if req.Rerank && e.deps.Reranker != nil && len(fused) > 0 {
		reranked, err := e.rerank(ctx, req.Query, fused, req.TopK)
		if err != nil {
			e.logger.WithError(err).Warn("Reranking failed, returning fused order")
			rerankFailed = true
		} else {
			fused = reranked
		}
	}

	if len(fused) > req.TopK {
		fused = fused[:req.TopK]
	}
	for i, r := range fused {
		r.Rank = i + 1
	}

	result := &Result{
		Items:           fused,
		Mode:            req.Mode,
		Degraded:        degraded,
		RerankFailed:    rerankFailed,
		ExpandedQueries: expanded,
		LatencyMS:       time.Since(start).Milliseconds(),
	}

	if cacheKey != "" && !rerankFailed && len(degraded) == 0 {
		if err := e.deps.Cache.Set(ctx, cacheKey, result, e.cfg.CacheTTL); err != nil {
			e.logger.WithError(err).Debug("Retrieval cache write failed")
		}
	}

	e.metrics.ObserveRetrieval(req.Mode, time.Since(start))
	e.logger.WithFields(logrus.Fields{
		"mode":       req.Mode,
		"kb_count":   len(req.KBIDs),
		"items":      len(fused),
		"degraded":   degraded,
		"latency_ms": result.LatencyMS,
	}).Debug("Retrieval completed")
	return result, nil
}

// gather runs the mode's channels in parallel, each under its own
// timeout. Channel failures degrade; only total failure is an error.
func (e *Engine) gather(ctx context.Context, req *Request, queries []string, limit int) ([]rankedList, []string, error) {
	channels := req.channels()
	weights := req.weights()

	var mu sync.Mutex
	var lists []rankedList
	var degraded []string
	var failures []error

	addList := func(l rankedList) {
		mu.Lock()
		defer mu.Unlock()
		lists = append(lists, l)
	}
	degrade := func(channel string, err error) {
		mu.Lock()
		defer mu.Unlock()
		degraded = append(degraded, channel)
		failures = append(failures, fmt.Errorf("%s: %w", channel, err))
		e.metrics.ChannelDegraded(channel)
		e.logger.WithError(err).WithField("channel", channel).Warn("Retrieval channel degraded")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		channel := channel
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, e.cfg.ChannelTimeout)
			defer cancel()

			switch channel {
			case ChannelDense:
				results, err := e.denseChannel(cctx, req, queries, limit)
				if err != nil {
					degrade(channel, err)
					return nil
				}
				for i, items := range results {
					weight := weights.Dense
					if i > 0 {
						weight = e.cfg.ExpansionWeight
					}
					addList(rankedList{Channel: ChannelDense, Weight: weight, Items: items})
				}
			case ChannelSparse:
				items, err := e.sparseChannel(cctx, req, limit)
				if err != nil {
					degrade(channel, err)
					return nil
				}
				addList(rankedList{Channel: ChannelSparse, Weight: weights.Sparse, Items: items})
			case ChannelGraph:
				items, err := e.graphChannel(cctx, req, limit)
				if err != nil {
					degrade(channel, err)
					return nil
				}
				addList(rankedList{Channel: ChannelGraph, Weight: weights.Graph, Items: items})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if len(lists) == 0 {
		return nil, nil, apperr.DependencyFailuref("all retrieval channels failed: %v", failures)
	}
	sort.Strings(degraded)
	return lists, degraded, nil
}

// denseChannel embeds all queries in one call and searches each
// knowledge base's collection, merging per-query hits across
// collections by similarity. The first returned list belongs to the
// original query; the rest to expansions.
func (e *Engine) denseChannel(ctx context.Context, req *Request, queries []string, limit int) ([][]candidate, error) {
	vectors, err := e.deps.Embedder.Embed(ctx, queries)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(queries) {
		return nil, apperr.DependencyFailuref("embedder returned %d vectors for %d queries", len(vectors), len(queries))
	}

	filter, err := qdrant.CompileFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	opts := qdrant.DefaultSearchOptions().WithLimit(limit)
	if filter != nil {
		opts = opts.WithFilter(filter)
	}

	results := make([][]candidate, len(queries))
	for qi, vector := range vectors {
		var hits []candidate
		for _, kbID := range req.KBIDs {
			points, err := e.deps.Vectors.Search(ctx, qdrant.CollectionName(kbID), vector, opts)
			if err != nil {
				return nil, err
			}
			for _, p := range points {
				hits = append(hits, pointToCandidate(kbID, p))
			}
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if len(hits) > limit {
			hits = hits[:limit]
		}
		results[qi] = hits
	}
	return results, nil
}

func (e *Engine) sparseChannel(ctx context.Context, req *Request, limit int) ([]candidate, error) {
	rows, err := e.deps.Sparse.SearchSparse(ctx, req.KBIDs, req.Query, req.Filter, limit)
	if err != nil {
		return nil, err
	}
	items := make([]candidate, len(rows))
	for i, r := range rows {
		items[i] = candidate{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			KBID:       r.KBID,
			Content:    r.Content,
			Score:      r.Score,
			Metadata:   r.Metadata,
		}
	}
	return items, nil
}

// graphChannel seeds entity names from the query, walks their
// neighborhoods, and resolves the subgraphs' source chunks. Chunks are
// ranked by how many matched entities reference them.
func (e *Engine) graphChannel(ctx context.Context, req *Request, limit int) ([]candidate, error) {
	if e.deps.Graph == nil || e.deps.Chunks == nil {
		return nil, apperr.Permanent("graph retrieval is not configured", nil)
	}
	terms := e.extractor.ExtractQueryTerms(req.Query)
	if len(terms) == 0 {
		return nil, nil
	}

	hits := make(map[string]int)
	order := make([]string, 0)
	for _, kbID := range req.KBIDs {
		sub, err := e.deps.Graph.Neighborhood(ctx, kbID, terms, e.cfg.GraphMaxHops)
		if err != nil {
			return nil, err
		}
		for _, entity := range sub.Entities {
			for _, id := range entity.SourceChunkIDs {
				if hits[id] == 0 {
					order = append(order, id)
				}
				hits[id]++
			}
		}
	}
	if len(order) == 0 {
		return nil, nil
	}

	sort.SliceStable(order, func(i, j int) bool { return hits[order[i]] > hits[order[j]] })
	if len(order) > limit {
		order = order[:limit]
	}

	chunks, err := e.deps.Chunks.GetByIDs(ctx, order)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	items := make([]candidate, 0, len(order))
	for _, id := range order {
		c, ok := byID[id]
		if !ok {
			continue
		}
		items = append(items, candidate{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			KBID:       c.KBID,
			Content:    c.Content,
			Score:      float64(hits[id]),
			Metadata:   c.Metadata,
		})
	}
	return items, nil
}

// rerank scores the fused pool with the cross-encoder and reorders it.
func (e *Engine) rerank(ctx context.Context, query string, fused []*models.SearchResult, topK int) ([]*models.SearchResult, error) {
	docs := make([]string, len(fused))
	for i, r := range fused {
		docs[i] = r.Content
	}
	scored, err := e.deps.Reranker.Rerank(ctx, query, docs, topK)
	if err != nil {
		return nil, err
	}

	out := make([]*models.SearchResult, 0, len(scored))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(fused) {
			return nil, apperr.DependencyFailuref("reranker returned out-of-range index %d", s.Index)
		}
		r := fused[s.Index]
		r.Score = s.Score
		out = append(out, r)
	}
	return out, nil
}

func pointToCandidate(kbID string, p qdrant.ScoredPoint) candidate {
	c := candidate{
		ChunkID: p.ID,
		KBID:    kbID,
		Score:   float64(p.Score),
	}
	if p.Payload != nil {
		if v, ok := p.Payload["content"].(string); ok {
			c.Content = v
		}
		if v, ok := p.Payload["document_id"].(string); ok {
			c.DocumentID = v
		}
		if v, ok := p.Payload["metadata"].(map[string]interface{}); ok {
			c.Metadata = v
		}
	}
	return c
}
