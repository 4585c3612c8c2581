package upstream

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// pageSize is the record page size requested from upstream.
	pageSize = 1000
	// pageParallelism bounds concurrent page fetches during hydration.
	pageParallelism = 4
)

// ListAllRecords fetches every record of a table. The first page establishes
// the total; the remaining pages are fetched in parallel, bounded, and the
// result preserves upstream order.
func (c *Client) ListAllRecords(ctx context.Context, tableID string, hydrated bool) ([]map[string]any, error) {
	first, err := c.ListRecords(ctx, tableID, ListRecordsRequest{Limit: pageSize, Hydrated: hydrated})
	if err != nil {
		return nil, err
	}
	if first.Total <= len(first.Items) {
		return first.Items, nil
	}

	offsets := make([]int, 0, (first.Total-1)/pageSize)
	for off := len(first.Items); off < first.Total; off += pageSize {
		offsets = append(offsets, off)
	}
	pages := make([][]map[string]any, len(offsets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageParallelism)
	var mu sync.Mutex
	for i, off := range offsets {
		g.Go(func() error {
			page, err := c.ListRecords(gctx, tableID, ListRecordsRequest{
				Offset: off, Limit: pageSize, Hydrated: hydrated,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			pages[i] = page.Items
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, first.Total)
	out = append(out, first.Items...)
	for _, p := range pages {
		out = append(out, p...)
	}
	return out, nil
}
