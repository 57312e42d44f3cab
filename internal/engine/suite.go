/*
PURPOSE:
  Runs the same form against several models, one after another, and hands
  every result (including partial ones) to the configured writers.

REQUIREMENTS:
  User-specified:
  - Compare models on one prompt without re-entering it.
  - Log results to CSV/JSON.

  Implementation-discovered:
  - A failing model must not stop the others.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli (run --models)
  - Uses: Harness, internal/output writers

ERROR HANDLING:
  - Logs errors but continues (resilience). The returned error joins every
    per-model failure.
*/

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
	"github.com/daryltucker/prompt-harness/internal/validation"
)

// ResultWriter receives finished results.
type ResultWriter interface {
	Write(r model.TestResult) error
}

// RunSuite runs form once per model id. Results are written in model order.
func RunSuite(ctx context.Context, h *Harness, form validation.Form, models []string, writers ...ResultWriter) ([]model.TestResult, error) {
	var results []model.TestResult
	var errs []error
	for _, m := range models {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		f := form
		f.ModelID = m
		output.Logger.Info("Testing Model", "model", m)

		res, err := h.Run(ctx, f)
		if err != nil {
			output.Logger.Error("Run failed", "model", m, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", m, err))
			if res.ID == "" {
				continue
			}
		}
		results = append(results, res)
		for _, w := range writers {
			if werr := w.Write(res); werr != nil {
				output.Logger.Error("Failed to write result", "model", m, "error", werr)
			}
		}
	}
	return results, errors.Join(errs...)
}
