package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func setupTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Now()}
	tr := NewTracker(Config{
		ErrThreshold: 3,
		OKThreshold:  2,
		LockCooldown: 60 * time.Second,
	})
	tr.now = clock.now
	return tr, clock
}

func TestNewChannelIsHealthy(t *testing.T) {
	tr, _ := setupTestTracker()

	assert.Equal(t, StateHealthy, tr.GetState("cloud"))
	assert.True(t, tr.IsUsable("cloud"))
}

func TestStaysHealthyBelowThreshold(t *testing.T) {
	tr, _ := setupTestTracker()

	tr.RecordFailure("cloud")
	tr.RecordFailure("cloud")

	assert.Equal(t, StateHealthy, tr.GetState("cloud"))
}

func TestDegradesAtThreshold(t *testing.T) {
	tr, _ := setupTestTracker()

	tr.RecordFailure("cloud")
	tr.RecordFailure("cloud")
	tr.RecordFailure("cloud")

	assert.Equal(t, StateDegraded, tr.GetState("cloud"))
	assert.True(t, tr.IsUsable("cloud"), "degraded channels remain usable")
}

func TestInterleavedSuccessResetsFailureStreak(t *testing.T) {
	tr, _ := setupTestTracker()

	tr.RecordFailure("cloud")
	tr.RecordFailure("cloud")
	tr.RecordSuccess("cloud")
	tr.RecordFailure("cloud")
	tr.RecordFailure("cloud")

	assert.Equal(t, StateHealthy, tr.GetState("cloud"))
}

func TestRecoversFromDegraded(t *testing.T) {
	tr, _ := setupTestTracker()

	for i := 0; i < 3; i++ {
		tr.RecordFailure("cloud")
	}
	require.Equal(t, StateDegraded, tr.GetState("cloud"))

	tr.RecordSuccess("cloud")
	assert.Equal(t, StateDegraded, tr.GetState("cloud"))

	tr.RecordSuccess("cloud")
	assert.Equal(t, StateHealthy, tr.GetState("cloud"))
}

func TestLockMakesChannelUnusable(t *testing.T) {
	tr, _ := setupTestTracker()

	tr.Lock("cloud", "aborted failover")

	assert.False(t, tr.IsUsable("cloud"))
	assert.Equal(t, StateLocked, tr.GetState("cloud"))
}

func TestLockCooldownExpiry(t *testing.T) {
	tr, clock := setupTestTracker()

	tr.Lock("cloud", "aborted failover")
	require.False(t, tr.IsUsable("cloud"))

	clock.advance(59 * time.Second)
	assert.False(t, tr.IsUsable("cloud"))

	clock.advance(2 * time.Second)
	assert.True(t, tr.IsUsable("cloud"))
	assert.Equal(t, StateHealthy, tr.GetState("cloud"))
}

func TestLockedEarlyRecovery(t *testing.T) {
	tr, _ := setupTestTracker()

	tr.Lock("local", "manual quarantine")
	require.False(t, tr.IsUsable("local"))

	// Probing a locked channel with successes unlocks it before the
	// cooldown window closes.
	tr.RecordSuccess("local")
	assert.False(t, tr.IsUsable("local"))

	tr.RecordSuccess("local")
	assert.True(t, tr.IsUsable("local"))
	assert.Equal(t, StateHealthy, tr.GetState("local"))
}

func TestLockedFailureResetsEarlyRecovery(t *testing.T) {
	tr, _ := setupTestTracker()

	tr.Lock("local", "manual quarantine")
	tr.RecordSuccess("local")
	tr.RecordFailure("local")
	tr.RecordSuccess("local")

	assert.False(t, tr.IsUsable("local"))
}

func TestReset(t *testing.T) {
	tr, _ := setupTestTracker()

	tr.Lock("cloud", "whatever")
	tr.Reset("cloud")

	assert.Equal(t, StateHealthy, tr.GetState("cloud"))
	assert.True(t, tr.IsUsable("cloud"))
}

func TestChannelsAreIndependent(t *testing.T) {
	tr, _ := setupTestTracker()

	for i := 0; i < 3; i++ {
		tr.RecordFailure("cloud")
	}

	assert.Equal(t, StateDegraded, tr.GetState("cloud"))
	assert.Equal(t, StateHealthy, tr.GetState("local"))
}

func TestConsecutiveCountersNeverBothNonZero(t *testing.T) {
	tr, _ := setupTestTracker()

	tr.RecordFailure("cloud")
	tr.RecordSuccess("cloud")
	tr.RecordFailure("cloud")

	diag := tr.Diagnostics()["cloud"]
	assert.Equal(t, 1, diag.ConsecutiveErrors)
	assert.Equal(t, 0, diag.ConsecutiveOKs)
}

func TestDiagnostics(t *testing.T) {
	tr, clock := setupTestTracker()

	tr.RecordSuccess("cloud")
	tr.RecordFailure("cloud")
	tr.Lock("local", "ops request")
	clock.advance(10 * time.Second)

	diag := tr.Diagnostics()
	require.Len(t, diag, 2)

	cloud := diag["cloud"]
	assert.Equal(t, StateHealthy, cloud.State)
	assert.Equal(t, 1, cloud.TotalErrors)
	assert.Equal(t, 1, cloud.TotalOKs)
	assert.Equal(t, time.Duration(0), cloud.RemainingCooldown)

	local := diag["local"]
	assert.Equal(t, StateLocked, local.State)
	assert.Equal(t, 50*time.Second, local.RemainingCooldown)
	assert.Contains(t, local.LastTransition, "ops request")
}

func TestConcurrentRecording(t *testing.T) {
	tr, _ := setupTestTracker()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				tr.RecordFailure("cloud")
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	diag := tr.Diagnostics()["cloud"]
	assert.Equal(t, 1000, diag.TotalErrors)
	assert.Equal(t, StateDegraded, diag.State)
}
