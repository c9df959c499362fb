package process

import (
	"context"

	"github.com/google/uuid"

	"filekeeper/internal/derive"
)

// Generator is the per-asset transform fanned out by Run.
type Generator interface {
	Generate(ctx context.Context, assetID uuid.UUID) ([]derive.FormatResult, error)
}

// Outcome routes every submitted asset into exactly one of the two maps.
type Outcome struct {
	Succeeded map[uuid.UUID][]derive.FormatResult
	Failed    map[uuid.UUID]error
}

// Run submits one generator invocation per asset to the pool and reaps
// results as they complete. Completion order is unspecified and independent
// of submission order; the routing below does not depend on it.
func Run(ctx context.Context, pool *Pool, gen Generator, assetIDs []uuid.UUID) Outcome {
	type result struct {
		assetID uuid.UUID
		formats []derive.FormatResult
		err     error
	}

	results := make(chan result, len(assetIDs))
	for _, id := range assetIDs {
		id := id
		pool.Submit(func() {
			formats, err := gen.Generate(ctx, id)
			results <- result{assetID: id, formats: formats, err: err}
		})
	}

	out := Outcome{
		Succeeded: make(map[uuid.UUID][]derive.FormatResult, len(assetIDs)),
		Failed:    make(map[uuid.UUID]error),
	}
	for range assetIDs {
		r := <-results
		if r.err != nil {
			out.Failed[r.assetID] = r.err
		} else {
			out.Succeeded[r.assetID] = r.formats
		}
	}
	return out
}
