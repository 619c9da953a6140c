package agentic

import (
	"regexp"
	"strings"
)

// Recommendation is the classifier's pick for a query.
type Recommendation struct {
	Workflow   string  `json:"workflow"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

var (
	comparisonRe = regexp.MustCompile(`(?i)\b(compare|comparison|versus|vs\.?|difference between|better than|pros and cons|trade.?offs?)\b|对比|比较|区别`)
	claimRe      = regexp.MustCompile(`(?i)\b(is it true|fact.?check|verify|really|claims? that|according to)\b|是真的吗|核实|求证`)
	reasoningRe  = regexp.MustCompile(`(?i)\b(why|how does|how do|how did|explain|walk me through|root cause)\b|为什么|如何|怎么`)
	conjunctionRe = regexp.MustCompile(`(?i)\b(and also|as well as|in addition|furthermore)\b|,\s*(and|then)\b`)
)

// Recommend classifies a query to a built-in workflow with rule-based
// signals: comparison markers, claim patterns, reasoning interrogatives,
// multi-part structure, and length. Ambiguity resolves to simple_qa.
func Recommend(query string) Recommendation {
	q := strings.TrimSpace(query)
	words := len(strings.Fields(q))
	questionMarks := strings.Count(q, "?") + strings.Count(q, "？")

	switch {
	case comparisonRe.MatchString(q):
		return Recommendation{
			Workflow:   WorkflowComparativeAnalysis,
			Confidence: 0.85,
			Reason:     "query contains comparison markers",
		}
	case claimRe.MatchString(q):
		return Recommendation{
			Workflow:   WorkflowFactChecking,
			Confidence: 0.8,
			Reason:     "query asks to verify a claim",
		}
	case questionMarks > 1 || (conjunctionRe.MatchString(q) && words > 12):
		return Recommendation{
			Workflow:   WorkflowComplexResearch,
			Confidence: 0.7,
			Reason:     "query has multiple parts",
		}
	case reasoningRe.MatchString(q) && words > 8:
		return Recommendation{
			Workflow:   WorkflowMultiStepReasoning,
			Confidence: 0.65,
			Reason:     "open-ended reasoning question",
		}
	case words > 30:
		return Recommendation{
			Workflow:   WorkflowComplexResearch,
			Confidence: 0.55,
			Reason:     "long query suggests a research task",
		}
	default:
		return Recommendation{
			Workflow:   WorkflowSimpleQA,
			Confidence: 0.6,
			Reason:     "direct factual question",
		}
	}
}
