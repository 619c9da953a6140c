// Package rag implements multi-channel retrieval over the indexed
// knowledge bases: dense vector search, sparse full-text search, and
// graph neighborhood expansion, fused with reciprocal rank fusion and
// optionally reranked by a cross-encoder.
package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// Retrieval modes.
const (
	ModeSemantic = "semantic"
	ModeSparse   = "sparse"
	ModeHybrid   = "hybrid"
	ModeGraph    = "graph"
	ModeAll      = "all"
)

// Channel names reported in results and degradation lists.
const (
	ChannelDense  = "dense"
	ChannelSparse = "sparse"
	ChannelGraph  = "graph"
)

// Weights are the per-channel fusion weights.
type Weights struct {
	Dense  float64 `json:"dense"`
	Sparse float64 `json:"sparse"`
	Graph  float64 `json:"graph"`
}

// DefaultWeights returns the fusion weights used when a request does
// not override them.
func DefaultWeights() Weights {
	return Weights{Dense: 1.0, Sparse: 1.0, Graph: 0.6}
}

// Request is one retrieval call.
type Request struct {
	KBIDs  []string       `json:"kb_ids"`
	Query  string         `json:"query"`
	Mode   string         `json:"mode"`
	TopK   int            `json:"top_k"`
	Filter *models.Filter `json:"filter,omitempty"`
	Expand bool           `json:"expand"`
	Rerank bool           `json:"rerank"`
	// Weights overrides the default fusion weights when non-nil.
	Weights *Weights `json:"weights,omitempty"`
}

// Result is the retrieval response.
type Result struct {
	Items           []*models.SearchResult `json:"items"`
	Mode            string                 `json:"mode"`
	Degraded        []string               `json:"degraded,omitempty"`
	RerankFailed    bool                   `json:"rerank_failed,omitempty"`
	ExpandedQueries []string               `json:"expanded_queries,omitempty"`
	LatencyMS       int64                  `json:"latency_ms"`
}

func validModes() map[string][]string {
	return map[string][]string{
		ModeSemantic: {ChannelDense},
		ModeSparse:   {ChannelSparse},
		ModeGraph:    {ChannelGraph},
		ModeHybrid:   {ChannelDense, ChannelSparse},
		ModeAll:      {ChannelDense, ChannelSparse, ChannelGraph},
	}
}

// normalize validates the request and fills defaults in place.
func (r *Request) normalize(defaultTopK int) error {
	if len(r.KBIDs) == 0 {
		return apperr.InvalidInput("at least one knowledge base id is required")
	}
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return apperr.InvalidInput("query is empty")
	}
	if r.Mode == "" {
		r.Mode = ModeHybrid
	}
	if _, ok := validModes()[r.Mode]; !ok {
		return apperr.InvalidInputf("unknown retrieval mode %q", r.Mode)
	}
	if r.TopK <= 0 {
		r.TopK = defaultTopK
	}
	if r.TopK > 100 {
		r.TopK = 100
	}
	if r.Filter != nil {
		if err := r.Filter.Validate(); err != nil {
			return apperr.Wrap(apperr.KindInvalidInput, "invalid filter", err)
		}
	}
	return nil
}

func (r *Request) channels() []string {
	return validModes()[r.Mode]
}

func (r *Request) weights() Weights {
	if r.Weights != nil {
		return *r.Weights
	}
	return DefaultWeights()
}

// cacheKey is a stable hash of everything that affects the result,
// prefixed with the knowledge bases' epoch fingerprint so ingestion
// invalidates it.
func (r *Request) cacheKey(epochFingerprint string) string {
	kbs := append([]string(nil), r.KBIDs...)
	sort.Strings(kbs)

	payload := struct {
		KBs     []string       `json:"kbs"`
		Query   string         `json:"q"`
		Mode    string         `json:"mode"`
		TopK    int            `json:"k"`
		Filter  *models.Filter `json:"f,omitempty"`
		Expand  bool           `json:"e"`
		Rerank  bool           `json:"r"`
		Weights Weights        `json:"w"`
	}{kbs, strings.ToLower(r.Query), r.Mode, r.TopK, r.Filter, r.Expand, r.Rerank, r.weights()}

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return "ragcore:retrieve:" + epochFingerprint + ":" + hex.EncodeToString(sum[:16])
}
