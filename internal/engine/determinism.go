package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/daryltucker/prompt-harness/internal/model"
)

// Grade thresholds on the mean pairwise similarity.
var gradeScale = []struct {
	min   float64
	grade string
}{
	{0.90, "A"},
	{0.80, "B"},
	{0.70, "C"},
	{0.60, "D"},
}

// EvaluateDeterminism repeats req until runs responses exist (first counts
// as one when non-empty), at most workers at a time, and grades how similar
// the responses are.
func EvaluateDeterminism(ctx context.Context, inv Invoker, req Request, first string, runs, workers int) (model.DeterminismGrade, error) {
	if runs < 2 {
		runs = 2
	}
	if workers <= 0 {
		workers = 1
	}

	responses := make([]string, runs)
	start := 0
	if first != "" {
		responses[0] = first
		start = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := start; i < runs; i++ {
		g.Go(func() error {
			resp, err := inv.Invoke(gctx, req)
			if err != nil {
				return fmt.Errorf("repeat %d: %w", i+1, err)
			}
			responses[i] = resp.Text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.DeterminismGrade{}, err
	}

	score := Consistency(responses)
	return model.DeterminismGrade{
		Grade:     GradeFor(score),
		Score:     score,
		Runs:      runs,
		Responses: responses,
	}, nil
}

// Consistency is the mean pairwise Jaccard similarity of the responses'
// lower-cased word sets. Identical responses score 1.
func Consistency(responses []string) float64 {
	if len(responses) < 2 {
		return 1
	}
	sets := make([]map[string]struct{}, len(responses))
	for i, r := range responses {
		sets[i] = tokenSet(r)
	}
	var total float64
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			total += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	return total / float64(pairs)
}

// GradeFor maps a score in [0,1] to A-F.
func GradeFor(score float64) string {
	for _, g := range gradeScale {
		if score >= g.min {
			return g.grade
		}
	}
	return "F"
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
