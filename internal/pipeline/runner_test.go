package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentforge/orchestrator/internal/bus"
	"github.com/contentforge/orchestrator/internal/item"
)

func runnerConfigForTest() RunnerConfig {
	return RunnerConfig{Workers: 2, PollInterval: 5 * time.Millisecond, BatchSize: 8}
}

func TestRunnerDrivesItemToGate(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := NewRunner(fx.machine, fx.store, fx.bus, runnerConfigForTest(), nil)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	it, err := fx.machine.Enqueue(ctx, "runner topic", "seed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, lerr := fx.store.Load(context.Background(), it.ID)
		return lerr == nil && got.Stage == item.StageBlueprintGenerated
	}, 2*time.Second, 5*time.Millisecond, "runner advances the item out of discovery")

	// The gate holds it; approve and let the runner finish the run.
	require.Eventually(t, func() bool {
		_, aerr := fx.machine.Approve(context.Background(), it.ID)
		return aerr == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, lerr := fx.store.Load(context.Background(), it.ID)
		return lerr == nil && got.Stage == item.StageAnalyzed
	}, 5*time.Second, 5*time.Millisecond, "runner completes the lifecycle after approval")

	cancel()
	require.NoError(t, <-done)
}

func TestRunnerPausesStagesOnDependencyDown(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := NewRunner(fx.machine, fx.store, fx.bus, runnerConfigForTest(), nil)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	// Let the supervisor register its subscriptions before publishing.
	time.Sleep(20 * time.Millisecond)
	fx.bus.Publish(bus.Event{
		Topic:   bus.TopicDependencyDown,
		Payload: map[string]any{"dependency": "gemini"},
	})
	require.Eventually(t, func() bool {
		stages := runner.dispatchableStages()
		for _, s := range stages {
			if s == item.StageDiscovered || s == item.StageApproved {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "stages calling the downed dependency are paused")

	it, err := fx.machine.Enqueue(ctx, "paused topic", "seed")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	got, lerr := fx.store.Load(context.Background(), it.ID)
	require.NoError(t, lerr)
	assert.Equal(t, item.StageDiscovered, got.Stage, "no dispatch while the dependency is down")
	assert.Zero(t, fx.gen.calls())

	fx.bus.Publish(bus.Event{
		Topic:   bus.TopicDependencyUp,
		Payload: map[string]any{"dependency": "gemini"},
	})
	require.Eventually(t, func() bool {
		cur, cerr := fx.store.Load(context.Background(), it.ID)
		return cerr == nil && cur.Stage == item.StageBlueprintGenerated
	}, 2*time.Second, 5*time.Millisecond, "dispatch resumes after recovery")

	cancel()
	require.NoError(t, <-done)
}
