package rag

import (
	"context"
	"strconv"
	"strings"

	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
)

const expansionSystemPrompt = `You rewrite search queries. Given a query, produce up to %MAX% alternative phrasings that could surface different relevant documents. Keep each phrasing on its own line, no numbering, no commentary. Preserve the original language of the query.`

// expandQuery asks the LLM for alternative phrasings of the query.
// Failure degrades silently to the original query.
func (e *Engine) expandQuery(ctx context.Context, query string) []string {
	system := strings.Replace(expansionSystemPrompt, "%MAX%",
		strconv.Itoa(e.cfg.MaxExpansions), 1)

	resp, err := e.deps.Completer.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: query},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		e.logger.WithError(err).Warn("Query expansion failed, using original query only")
		return nil
	}

	seen := map[string]bool{strings.ToLower(query): true}
	var expansions []string
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" || seen[strings.ToLower(line)] {
			continue
		}
		seen[strings.ToLower(line)] = true
		expansions = append(expansions, line)
		if len(expansions) >= e.cfg.MaxExpansions {
			break
		}
	}
	return expansions
}
