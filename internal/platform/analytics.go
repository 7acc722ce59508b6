package platform

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Analytics aggregates post metrics across every configured platform.
// It implements the pipeline's AnalyticsSource boundary.
type Analytics struct {
	clients map[string]*Client
}

// NewAnalytics builds the aggregator from the publish clients.
func NewAnalytics(clients ...*Client) *Analytics {
	byName := make(map[string]*Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	return &Analytics{clients: byName}
}

// Fetch pulls view counts for each platform's post concurrently. A
// platform with no configured client is skipped; any fetch error fails
// the whole snapshot so the caller can retry it as a unit.
func (a *Analytics) Fetch(ctx context.Context, postIDs map[string]string) (map[string]int64, error) {
	var mu sync.Mutex
	out := make(map[string]int64, len(postIDs))

	g, gctx := errgroup.WithContext(ctx)
	for name, postID := range postIDs {
		client, ok := a.clients[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			views, err := client.Metrics(gctx, postID)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = views
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
