package guardrail

import "context"

// Operation is a side-effecting unit of work whose result can be replayed.
type Operation func(ctx context.Context) (string, error)

// RunIdempotent executes op at most once per logical descriptor: it computes
// the canonical descriptor hash, short-circuits when the operation was
// already processed, and otherwise executes op and stores its result.
//
// The executed return value reports whether op ran in this call; when false,
// result is the previously stored result (possibly empty). Failed operations
// are not marked, so a later redelivery may retry them.
func RunIdempotent(ctx context.Context, c *Cache, descriptor any, op Operation) (result string, executed bool, err error) {
	id, err := DescriptorID(descriptor)
	if err != nil {
		return "", false, err
	}

	if c.HasProcessed(ctx, id) {
		stored, _ := c.Result(ctx, id)
		return stored, false, nil
	}

	result, err = op(ctx)
	if err != nil {
		return "", false, err
	}

	if newly := c.MarkProcessed(ctx, id, result); !newly {
		// A concurrent trigger finished first; serve its result.
		stored, _ := c.Result(ctx, id)
		return stored, false, nil
	}
	return result, true, nil
}
