package pipeline

import (
	"context"
	"time"
)

// Caption is the generated caption text plus platform hashtags.
type Caption struct {
	Text     string   `json:"text"`
	Hashtags []string `json:"hashtags"`
}

// Post is the payload handed to a platform publisher.
type Post struct {
	Blueprint   string
	Caption     string
	Hashtags    []string
	MediaRef    string
	ScheduledAt time.Time
}

// Generator is the generative-content provider boundary.
type Generator interface {
	GenerateBlueprint(ctx context.Context, topic string) (string, error)
	GenerateCaption(ctx context.Context, contentSummary string) (Caption, error)
}

// Renderer is the rendering/voice service boundary; it turns a script
// into a media reference.
type Renderer interface {
	Render(ctx context.Context, script string) (string, error)
}

// Publisher is one social platform's publishing boundary.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, post Post) (string, error)
}

// AnalyticsSource pulls a performance snapshot for published posts.
type AnalyticsSource interface {
	Fetch(ctx context.Context, postIDs map[string]string) (map[string]int64, error)
}

// SchedulePlanner picks the publish slot for an item. Implementations
// range from a fixed delay to engagement-window models.
type SchedulePlanner interface {
	NextSlot(now time.Time) time.Time
}

// PlanFunc adapts a function to SchedulePlanner.
type PlanFunc func(now time.Time) time.Time

func (f PlanFunc) NextSlot(now time.Time) time.Time { return f(now) }

// FixedDelayPlanner schedules every post a constant delay out.
func FixedDelayPlanner(delay time.Duration) SchedulePlanner {
	return PlanFunc(func(now time.Time) time.Time { return now.Add(delay) })
}

// Collaborators bundles the external boundaries the stage handlers
// drive. All fields are required except Planner, which defaults to a
// five-minute fixed delay.
type Collaborators struct {
	Generator  Generator
	Renderer   Renderer
	Publishers []Publisher
	Analytics  AnalyticsSource
	Planner    SchedulePlanner

	// GeneratorName and RendererName are the dependency names used for
	// circuit-breaking; publishers report their own via Name().
	GeneratorName string
	RendererName  string
}
