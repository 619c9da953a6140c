package agentic

import (
	"regexp"
	"unicode/utf8"

	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

var citationRe = regexp.MustCompile(`\[\d+\]`)

// assessQuality scores a finished run 0..1 from cheap heuristics:
// whether retrieval produced anything, how densely the answer cites it,
// and whether the answer length is sane. It is a smoke signal, not an
// evaluation.
func assessQuality(run *models.WorkflowRun, sourceCount int) float64 {
	if run.Status == models.RunStatusFailed || run.Answer == "" {
		return 0
	}

	score := 0.0

	// Retrieval coverage.
	if sourceCount > 0 {
		score += 0.4
	}

	// Citation density: full credit at one citation per two sources.
	if sourceCount > 0 {
		citations := len(citationRe.FindAllString(run.Answer, -1))
		want := sourceCount / 2
		if want < 1 {
			want = 1
		}
		density := float64(citations) / float64(want)
		if density > 1 {
			density = 1
		}
		score += 0.3 * density
	}

	// Length sanity: penalize one-liners and runaway essays.
	length := utf8.RuneCountInString(run.Answer)
	switch {
	case length >= 40 && length <= 4000:
		score += 0.3
	case length > 10:
		score += 0.15
	}

	if score > 1 {
		score = 1
	}
	return score
}
