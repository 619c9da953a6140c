package rag

import (
	"sort"

	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// candidate is one hit from a single retrieval channel, before fusion.
type candidate struct {
	ChunkID    string
	DocumentID string
	KBID       string
	Content    string
	Score      float64
	Metadata   map[string]interface{}
}

// rankedList is one channel's ordered candidates with its fusion weight.
// Expanded-query retrievals enter fusion as extra lists with a reduced
// weight.
type rankedList struct {
	Channel string
	Weight  float64
	Items   []candidate
}

// fuse merges ranked lists with reciprocal rank fusion:
//
//	score(d) = sum over lists of w_i / (k + rank_i(d))
//
// Duplicates keep the best available content and the union of
// contributing channels. Ordering is deterministic: fused score
// descending, then chunk id ascending.
func fuse(lists []rankedList, k int) []*models.SearchResult {
	if k <= 0 {
		k = 60
	}

	merged := make(map[string]*models.SearchResult)
	channelSeen := make(map[string]map[string]bool)

	for _, list := range lists {
		for rank, c := range list.Items {
			contribution := list.Weight / float64(k+rank+1)
			r, ok := merged[c.ChunkID]
			if !ok {
				r = &models.SearchResult{
					ChunkID:    c.ChunkID,
					DocumentID: c.DocumentID,
					KBID:       c.KBID,
					Content:    c.Content,
					Metadata:   c.Metadata,
				}
				merged[c.ChunkID] = r
				channelSeen[c.ChunkID] = make(map[string]bool)
			}
			r.Score += contribution
			if r.Content == "" {
				r.Content = c.Content
			}
			if r.Metadata == nil {
				r.Metadata = c.Metadata
			}
			if !channelSeen[c.ChunkID][list.Channel] {
				channelSeen[c.ChunkID][list.Channel] = true
				r.Channels = append(r.Channels, list.Channel)
			}
		}
	}

	results := make([]*models.SearchResult, 0, len(merged))
	for _, r := range merged {
		sort.Strings(r.Channels)
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	for i, r := range results {
		r.Rank = i + 1
	}
	return results
}

// preRerankPool caps the fused list handed to the reranker.
func preRerankPool(topK int) int {
	pool := 3 * topK
	if pool > 50 {
		pool = 50
	}
	return pool
}
