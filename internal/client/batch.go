package client

import "golang.org/x/sync/errgroup"

// runConcurrently calls fn for every item with at most limit calls in
// flight. Results keep input order.
func runConcurrently[T, R any](items []T, limit int, fn func(int, T) R) []R {
	if limit <= 0 {
		limit = 1
	}
	results := make([]R, len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			results[i] = fn(i, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func batches(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
