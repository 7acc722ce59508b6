package discover

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	trendingTimeout   = 30 * time.Second
	trendingUserAgent = "Mozilla/5.0 (compatible; ContentForge/1.0)"
)

// TrendingPage scrapes headlines from a trends page. Selectors name
// the elements whose text becomes a topic; the first selector that
// matches anything wins.
type TrendingPage struct {
	URL       string
	Selectors []string
	// MaxTopics caps one poll's yield. Zero means no cap.
	MaxTopics int

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

func (s *TrendingPage) Name() string { return "trending:" + s.URL }

// NextTopics fetches the page and extracts headline topics. The page
// URL seeds the fingerprint, so the same headline from two pages is
// two items.
func (s *TrendingPage) NextTopics(ctx context.Context) ([]Topic, error) {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: trendingTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("trending request: %w", err)
	}
	req.Header.Set("User-Agent", trendingUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch trending page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("trending page HTTP status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse trending page: %w", err)
	}

	selectors := s.Selectors
	if len(selectors) == 0 {
		selectors = []string{"h2", "h3"}
	}
	var topics []Topic
	for _, selector := range selectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			title := strings.TrimSpace(sel.Text())
			if title == "" {
				return
			}
			if s.MaxTopics > 0 && len(topics) >= s.MaxTopics {
				return
			}
			topics = append(topics, Topic{Title: title, Seed: s.URL})
		})
		if len(topics) > 0 {
			break
		}
	}
	return topics, nil
}
