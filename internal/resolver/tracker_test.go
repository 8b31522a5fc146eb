package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"matchsync/internal/identity"
	"matchsync/internal/lifecycle"
	"matchsync/internal/models"
	"matchsync/internal/store"
)

func setupTracker(t *testing.T, oracle Oracle, opts Options) (*Tracker, *lifecycle.Machine) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	machine := lifecycle.NewMachine(store.NewRedisStore(rdb), nil, zap.NewNop())
	tracker := NewTracker(New(oracle, opts, zap.NewNop()), machine, "@every 1h", zap.NewNop())
	t.Cleanup(tracker.Stop)
	return tracker, machine
}

func activeChallengeMatch(t *testing.T, m *lifecycle.Machine, ref string) *models.Match {
	t.Helper()
	ctx := context.Background()
	match, err := m.Create(ctx, identity.Identity{UserID: "A", Username: "alice"}, models.CreateMatchReq{Stake: 100, ExternalRef: ref})
	require.NoError(t, err)
	match, err = m.Join(ctx, identity.Identity{UserID: "B", Username: "bob"}, match.ID)
	require.NoError(t, err)
	return match
}

func TestTracker_AppliesResolution(t *testing.T) {
	oracle := &scriptedOracle{script: []Result{challenge(), challenge(), {Status: StatusGame, GameID: "g_42"}}}
	tracker, machine := setupTracker(t, oracle, fastOptions(10))
	match := activeChallengeMatch(t, machine, "chal_1")

	assert.True(t, tracker.Track(match.ID, "chal_1"))
	assert.False(t, tracker.Track(match.ID, "chal_1"), "one task per reference")

	require.Eventually(t, func() bool {
		got, err := machine.Get(context.Background(), match.ID)
		return err == nil && got.Ref() == "g_42"
	}, 2*time.Second, 5*time.Millisecond)

	got, err := machine.Get(context.Background(), match.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, models.RefGame, got.ExternalKind)
	assert.Equal(t, 3, oracle.Calls())
}

func TestTracker_ExhaustedIsNotRestartedBySweep(t *testing.T) {
	oracle := &scriptedOracle{script: []Result{challenge()}}
	tracker, machine := setupTracker(t, oracle, fastOptions(3))
	match := activeChallengeMatch(t, machine, "chal_slow")
	ctx := context.Background()

	assert.Equal(t, 1, tracker.Sweep(ctx))
	require.Eventually(t, func() bool {
		return tracker.Settled("chal_slow") != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, tracker.Settled("chal_slow"), ErrExhausted)
	assert.Equal(t, 3, oracle.Calls())

	assert.Equal(t, 0, tracker.Sweep(ctx))
	assert.Equal(t, 3, oracle.Calls())

	got, err := machine.Get(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status, "exhaustion leaves the last valid state")
	assert.Equal(t, "chal_slow", got.Ref())

	require.NoError(t, tracker.Retry(ctx, match.ID))
	require.Eventually(t, func() bool {
		return oracle.Calls() == 6 && !tracker.Running("chal_slow")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTracker_ForgetsSettledRefsOnceMatchMovesOn(t *testing.T) {
	oracle := &scriptedOracle{script: []Result{{Status: StatusNotFound}}}
	tracker, machine := setupTracker(t, oracle, fastOptions(3))
	ctx := context.Background()
	alice := identity.Identity{UserID: "A"}

	dead, err := machine.Create(ctx, alice, models.CreateMatchReq{ExternalRef: "chal_dead"})
	require.NoError(t, err)
	swapped, err := machine.Create(ctx, alice, models.CreateMatchReq{ExternalRef: "chal_swapped"})
	require.NoError(t, err)

	assert.Equal(t, 2, tracker.Sweep(ctx))
	require.Eventually(t, func() bool {
		return tracker.Settled("chal_dead") != nil && tracker.Settled("chal_swapped") != nil
	}, 2*time.Second, 5*time.Millisecond)

	cancelled, err := machine.Cancel(ctx, alice, dead.ID)
	require.NoError(t, err)
	require.NoError(t, tracker.PublishMatch(ctx, cancelled))
	assert.NoError(t, tracker.Settled("chal_dead"))
	assert.ErrorIs(t, tracker.Settled("chal_swapped"), ErrChallengeDead)

	_, err = machine.UpdateExternalRef(ctx, alice, swapped.ID, "g_1", models.RefGame)
	require.NoError(t, err)
	assert.Equal(t, 0, tracker.Sweep(ctx))
	assert.NoError(t, tracker.Settled("chal_swapped"))
}

func TestTracker_RetryWithoutChallenge(t *testing.T) {
	tracker, machine := setupTracker(t, &scriptedOracle{script: []Result{challenge()}}, fastOptions(1))
	match, err := machine.Create(context.Background(), identity.Identity{UserID: "A"}, models.CreateMatchReq{})
	require.NoError(t, err)

	assert.ErrorIs(t, tracker.Retry(context.Background(), match.ID), ErrNothingToResolve)
	assert.ErrorIs(t, tracker.Retry(context.Background(), "missing"), store.ErrNotFound)
}

func TestTracker_PicksUpPublishedChallenges(t *testing.T) {
	oracle := &scriptedOracle{script: []Result{{Status: StatusGame, GameID: "g_7"}}}
	tracker, machine := setupTracker(t, oracle, fastOptions(5))
	machine.SetPublisher(tracker)

	match, err := machine.Create(context.Background(), identity.Identity{UserID: "A"}, models.CreateMatchReq{ExternalRef: "chal_7"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := machine.Get(context.Background(), match.ID)
		return err == nil && got.Ref() == "g_7"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTracker_StopCancelsInFlight(t *testing.T) {
	oracle := &scriptedOracle{script: []Result{challenge()}}
	tracker, machine := setupTracker(t, oracle, Options{Interval: time.Hour, MaxAttempts: 10, Budget: 2 * time.Hour})
	match := activeChallengeMatch(t, machine, "chal_x")

	require.NoError(t, tracker.Start())
	require.Eventually(t, func() bool { return oracle.Calls() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		tracker.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, tracker.Track(match.ID, "chal_x"))
	assert.Nil(t, tracker.Settled("chal_x"))
}
