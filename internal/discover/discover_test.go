package discover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentforge/orchestrator/internal/item"
)

type recordingEnqueuer struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, topic, seed string) (*item.ContentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.topics = append(r.topics, topic)
	return item.New(topic, seed), nil
}

func (r *recordingEnqueuer) enqueued() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func TestPollOnceEnqueuesAndDedupes(t *testing.T) {
	enq := &recordingEnqueuer{}
	src := &StaticSource{Topics: []Topic{
		{Title: "go 1.25 released", Seed: "feed-a"},
		{Title: "generics deep dive", Seed: "feed-a"},
	}}
	intake := NewIntake(enq, 0, nil, src)

	intake.PollOnce(context.Background())
	require.Equal(t, []string{"go 1.25 released", "generics deep dive"}, enq.enqueued())

	// A second poll of the same topics enqueues nothing.
	intake.PollOnce(context.Background())
	assert.Len(t, enq.enqueued(), 2)
}

func TestPollOnceSeedDistinguishesSources(t *testing.T) {
	enq := &recordingEnqueuer{}
	a := &StaticSource{SourceName: "a", Topics: []Topic{{Title: "same title", Seed: "a"}}}
	b := &StaticSource{SourceName: "b", Topics: []Topic{{Title: "same title", Seed: "b"}}}
	intake := NewIntake(enq, 0, nil, a, b)

	intake.PollOnce(context.Background())
	assert.Len(t, enq.enqueued(), 2, "same title from two sources is two items")
}

type failingSource struct{}

func (failingSource) Name() string { return "failing" }

func (failingSource) NextTopics(ctx context.Context) ([]Topic, error) {
	return nil, errors.New("feed down")
}

func TestPollOnceSkipsFailingSource(t *testing.T) {
	enq := &recordingEnqueuer{}
	ok := &StaticSource{Topics: []Topic{{Title: "still flows", Seed: "s"}}}
	intake := NewIntake(enq, 0, nil, failingSource{}, ok)

	intake.PollOnce(context.Background())
	assert.Equal(t, []string{"still flows"}, enq.enqueued())
}

func TestTrendingPageExtractsHeadlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<h2 class="trend">  First headline </h2>
			<h2 class="trend">Second headline</h2>
			<h2 class="trend"></h2>
			<h2 class="trend">Third headline</h2>
		</body></html>`))
	}))
	defer srv.Close()

	src := &TrendingPage{URL: srv.URL, Selectors: []string{".trend"}, MaxTopics: 2}
	topics, err := src.NextTopics(context.Background())
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, "First headline", topics[0].Title)
	assert.Equal(t, "Second headline", topics[1].Title)
	assert.Equal(t, srv.URL, topics[0].Seed)
}

func TestTrendingPageSelectorFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h3>only h3 here</h3></body></html>`))
	}))
	defer srv.Close()

	src := &TrendingPage{URL: srv.URL, Selectors: []string{".missing", "h3"}}
	topics, err := src.NextTopics(context.Background())
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "only h3 here", topics[0].Title)
}

func TestTrendingPageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	src := &TrendingPage{URL: srv.URL}
	_, err := src.NextTopics(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
