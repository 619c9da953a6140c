package agentic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Built-in workflow names.
const (
	WorkflowSimpleQA            = "simple_qa"
	WorkflowComplexResearch     = "complex_research"
	WorkflowComparativeAnalysis = "comparative_analysis"
	WorkflowMultiStepReasoning  = "multi_step_reasoning"
	WorkflowFactChecking        = "fact_checking"
)

type workflowBuilder func(o *Orchestrator, req *RunRequest) (*Workflow, error)

var builtinWorkflows = map[string]workflowBuilder{
	WorkflowSimpleQA:            buildSimpleQA,
	WorkflowComplexResearch:     buildComplexResearch,
	WorkflowComparativeAnalysis: buildComparativeAnalysis,
	WorkflowMultiStepReasoning:  buildMultiStepReasoning,
	WorkflowFactChecking:        buildFactChecking,
}

// KnownWorkflow reports whether name is a built-in workflow.
func KnownWorkflow(name string) bool {
	_, ok := builtinWorkflows[name]
	return ok
}

// WorkflowNames lists the built-in workflows.
func WorkflowNames() []string {
	return []string{
		WorkflowSimpleQA,
		WorkflowComplexResearch,
		WorkflowComparativeAnalysis,
		WorkflowMultiStepReasoning,
		WorkflowFactChecking,
	}
}

const answerSystemPrompt = `You answer questions using only the provided context passages. Cite passages with their bracketed numbers, like [1] or [2]. If the context does not contain the answer, say so plainly. Answer in the language of the question.`

// renderContext numbers retrieval items for citation.
func renderContext(items []string) string {
	var b strings.Builder
	for i, content := range items {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, strings.TrimSpace(content))
	}
	return strings.TrimSpace(b.String())
}

// retrieveStep fetches context for one query, defaulting to the run
// query, and outputs a numbered context block.
func retrieveStep(o *Orchestrator, id, query string) *Step {
	return &Step{
		ID:   id,
		Kind: KindRetrieve,
		Run: func(ctx context.Context, st *State) (string, error) {
			q := query
			if q == "" {
				q = st.Query
			}
			result, err := o.retrieve(ctx, st, q)
			if err != nil {
				return "", err
			}
			contents := make([]string, len(result.Items))
			for i, item := range result.Items {
				contents[i] = item.Content
			}
			return renderContext(contents), nil
		},
	}
}

// answerStep produces the final answer from one context-bearing step.
func answerStep(o *Orchestrator, id, contextStepID string) *Step {
	return &Step{
		ID:        id,
		Kind:      KindLLM,
		DependsOn: []string{contextStepID},
		Run: func(ctx context.Context, st *State) (string, error) {
			contextBlock, _ := st.Output(contextStepID)
			user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, st.Query)
			return o.synthesize(ctx, st, answerSystemPrompt, user)
		},
	}
}

func buildSimpleQA(o *Orchestrator, _ *RunRequest) (*Workflow, error) {
	return NewWorkflow(WorkflowSimpleQA,
		retrieveStep(o, "retrieve", ""),
		answerStep(o, "answer", "retrieve"),
	)
}

// parseJSONList unmarshals a JSON object's named string-array field,
// tolerating a bare array response.
func parseJSONList(raw, field string, max int) ([]string, error) {
	var wrapper map[string]json.RawMessage
	var items []string
	if err := json.Unmarshal([]byte(raw), &wrapper); err == nil {
		if inner, ok := wrapper[field]; ok {
			if err := json.Unmarshal(inner, &items); err != nil {
				return nil, fmt.Errorf("field %q is not a string array: %w", field, err)
			}
		}
	} else if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}

	cleaned := items[:0]
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it != "" {
			cleaned = append(cleaned, it)
		}
	}
	if len(cleaned) > max {
		cleaned = cleaned[:max]
	}
	return cleaned, nil
}

// parallelRetrieve fetches context for several queries on the worker
// pool and returns per-query labeled context blocks.
func parallelRetrieve(ctx context.Context, o *Orchestrator, st *State, queries []string) (string, error) {
	blocks := make([]string, len(queries))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			result, err := o.retrieve(gctx, st, q)
			if err != nil {
				return fmt.Errorf("retrieval for %q failed: %w", q, err)
			}
			contents := make([]string, len(result.Items))
			for j, item := range result.Items {
				contents[j] = item.Content
			}
			mu.Lock()
			blocks[i] = fmt.Sprintf("## %s\n%s", q, renderContext(contents))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(blocks, "\n\n"), nil
}

func buildComplexResearch(o *Orchestrator, _ *RunRequest) (*Workflow, error) {
	plan := &Step{
		ID:   "plan",
		Kind: KindLLM,
		Run: func(ctx context.Context, st *State) (string, error) {
			system := `Decompose the research question into at most 4 focused sub-questions that together cover it. Respond with JSON: {"sub_questions": ["..."]}.`
			return o.complete(ctx, system, st.Query, true)
		},
	}
	research := &Step{
		ID:        "research",
		Kind:      KindTool,
		DependsOn: []string{"plan"},
		Run: func(ctx context.Context, st *State) (string, error) {
			raw, _ := st.Output("plan")
			subs, err := parseJSONList(raw, "sub_questions", 4)
			if err != nil || len(subs) == 0 {
				subs = []string{st.Query}
			}
			return parallelRetrieve(ctx, o, st, subs)
		},
	}
	synthesize := &Step{
		ID:        "synthesize",
		Kind:      KindLLM,
		DependsOn: []string{"research"},
		Run: func(ctx context.Context, st *State) (string, error) {
			research, _ := st.Output("research")
			system := answerSystemPrompt + ` Synthesize across all the research sections into one coherent answer.`
			user := fmt.Sprintf("Research findings:\n%s\n\nQuestion: %s", research, st.Query)
			return o.synthesize(ctx, st, system, user)
		},
	}
	return NewWorkflow(WorkflowComplexResearch, plan, research, synthesize)
}

func buildComparativeAnalysis(o *Orchestrator, _ *RunRequest) (*Workflow, error) {
	facets := &Step{
		ID:   "facets",
		Kind: KindLLM,
		Run: func(ctx context.Context, st *State) (string, error) {
			system := `Identify the subjects being compared and the comparison facets. Respond with JSON: {"subjects": ["..."], "facets": ["..."]} with at most 3 subjects and 4 facets.`
			return o.complete(ctx, system, st.Query, true)
		},
	}
	gather := &Step{
		ID:        "gather",
		Kind:      KindTool,
		DependsOn: []string{"facets"},
		Run: func(ctx context.Context, st *State) (string, error) {
			raw, _ := st.Output("facets")
			subjects, _ := parseJSONList(raw, "subjects", 3)
			aspects, _ := parseJSONList(raw, "facets", 4)
			if len(subjects) == 0 {
				subjects = []string{st.Query}
			}

			queries := make([]string, 0, len(subjects)*(len(aspects)+1))
			for _, s := range subjects {
				if len(aspects) == 0 {
					queries = append(queries, s)
					continue
				}
				for _, a := range aspects {
					queries = append(queries, s+" "+a)
				}
			}
			// Cap fan-out so a generous decomposition stays bounded.
			if len(queries) > 8 {
				queries = queries[:8]
			}
			return parallelRetrieve(ctx, o, st, queries)
		},
	}
	compare := &Step{
		ID:        "compare",
		Kind:      KindLLM,
		DependsOn: []string{"gather"},
		Run: func(ctx context.Context, st *State) (string, error) {
			gathered, _ := st.Output("gather")
			system := `Build a markdown comparison table of the subjects across the facets, using only the provided context. Cite passages with bracketed numbers. Note missing data as "not covered".`
			user := fmt.Sprintf("Context:\n%s\n\nComparison request: %s", gathered, st.Query)
			return o.complete(ctx, system, user, false)
		},
	}
	synthesize := &Step{
		ID:        "synthesize",
		Kind:      KindLLM,
		DependsOn: []string{"compare"},
		Run: func(ctx context.Context, st *State) (string, error) {
			table, _ := st.Output("compare")
			system := answerSystemPrompt + ` Present the comparison table followed by a short verdict.`
			user := fmt.Sprintf("Comparison table:\n%s\n\nQuestion: %s", table, st.Query)
			return o.synthesize(ctx, st, system, user)
		},
	}
	return NewWorkflow(WorkflowComparativeAnalysis, facets, gather, compare, synthesize)
}

const maxReasoningRounds = 3

func buildMultiStepReasoning(o *Orchestrator, _ *RunRequest) (*Workflow, error) {
	reason := &Step{
		ID:   "reason",
		Kind: KindTool,
		Run: func(ctx context.Context, st *State) (string, error) {
			type verdict struct {
				Sufficient bool   `json:"sufficient"`
				NextQuery  string `json:"next_query"`
				Notes      string `json:"notes"`
			}

			query := st.Query
			var notes []string
			for round := 0; round < maxReasoningRounds; round++ {
				result, err := o.retrieve(ctx, st, query)
				if err != nil {
					return "", err
				}
				contents := make([]string, len(result.Items))
				for i, item := range result.Items {
					contents[i] = item.Content
				}
				contextBlock := renderContext(contents)

				system := `You are gathering evidence iteratively. Given the question, notes so far, and newly retrieved context, extract the useful facts into notes. Decide whether the evidence now suffices to answer. Respond with JSON: {"sufficient": bool, "next_query": "...", "notes": "..."}.`
				user := fmt.Sprintf("Question: %s\n\nNotes so far:\n%s\n\nNew context:\n%s",
					st.Query, strings.Join(notes, "\n"), contextBlock)
				raw, err := o.complete(ctx, system, user, true)
				if err != nil {
					return "", err
				}

				var v verdict
				if err := json.Unmarshal([]byte(raw), &v); err != nil {
					// Unparseable reasoning: keep the context and stop looping.
					notes = append(notes, contextBlock)
					break
				}
				if v.Notes != "" {
					notes = append(notes, v.Notes)
				}
				if v.Sufficient || v.NextQuery == "" {
					break
				}
				query = v.NextQuery
			}
			return strings.Join(notes, "\n\n"), nil
		},
	}
	answer := &Step{
		ID:        "answer",
		Kind:      KindLLM,
		DependsOn: []string{"reason"},
		Run: func(ctx context.Context, st *State) (string, error) {
			notes, _ := st.Output("reason")
			system := answerSystemPrompt + ` Use the gathered evidence notes to reason step by step before answering.`
			user := fmt.Sprintf("Evidence notes:\n%s\n\nQuestion: %s", notes, st.Query)
			return o.synthesize(ctx, st, system, user)
		},
	}
	return NewWorkflow(WorkflowMultiStepReasoning, reason, answer)
}

func buildFactChecking(o *Orchestrator, _ *RunRequest) (*Workflow, error) {
	claims := &Step{
		ID:   "claims",
		Kind: KindLLM,
		Run: func(ctx context.Context, st *State) (string, error) {
			system := `Extract the distinct factual claims from the statement, at most 5. Respond with JSON: {"claims": ["..."]}.`
			return o.complete(ctx, system, st.Query, true)
		},
	}
	evidence := &Step{
		ID:        "evidence",
		Kind:      KindTool,
		DependsOn: []string{"claims"},
		Run: func(ctx context.Context, st *State) (string, error) {
			raw, _ := st.Output("claims")
			list, err := parseJSONList(raw, "claims", 5)
			if err != nil || len(list) == 0 {
				list = []string{st.Query}
			}
			return parallelRetrieve(ctx, o, st, list)
		},
	}
	verdicts := &Step{
		ID:        "verdicts",
		Kind:      KindLLM,
		DependsOn: []string{"claims", "evidence"},
		Run: func(ctx context.Context, st *State) (string, error) {
			rawClaims, _ := st.Output("claims")
			gathered, _ := st.Output("evidence")
			system := `For each claim, give a verdict: supported, refuted, or insufficient evidence, citing the context passages with bracketed numbers. One line per claim: "claim — verdict [citations]".`
			user := fmt.Sprintf("Claims:\n%s\n\nEvidence:\n%s", rawClaims, gathered)
			return o.complete(ctx, system, user, false)
		},
	}
	summary := &Step{
		ID:        "summary",
		Kind:      KindLLM,
		DependsOn: []string{"verdicts"},
		Run: func(ctx context.Context, st *State) (string, error) {
			lines, _ := st.Output("verdicts")
			system := `Summarize the fact-check: list each claim with its verdict, then an overall assessment. Keep the citations.`
			user := fmt.Sprintf("Verdicts:\n%s\n\nOriginal statement: %s", lines, st.Query)
			return o.synthesize(ctx, st, system, user)
		},
	}
	return NewWorkflow(WorkflowFactChecking, claims, evidence, verdicts, summary)
}
