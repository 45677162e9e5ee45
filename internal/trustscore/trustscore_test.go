package trustscore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-network/aegis-node/internal/waf"
)

func TestRecord_AccumulatesAndDecays(t *testing.T) {
	tr := NewTracker(Config{HalfLife: time.Minute, ChallengeThreshold: 3, BlockThreshold: 8})
	start := time.Unix(1_000_000, 0)

	s1 := tr.Record("1.2.3.4", 9, start)
	assert.InDelta(t, 3.0, s1, 0.001)

	// One half-life later with no new violation: the raw score halves.
	half := tr.Score("1.2.3.4", start.Add(time.Minute))
	assert.InDelta(t, 1.5, half, 0.01)
}

func TestRecord_UnknownIPStartsAtZero(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	assert.Equal(t, 0.0, tr.Score("9.9.9.9", time.Now()))
}

func TestEscalation_CrossesThresholds(t *testing.T) {
	tr := NewTracker(Config{HalfLife: time.Hour, ChallengeThreshold: 3, BlockThreshold: 8})
	now := time.Unix(2_000_000, 0)

	assert.Equal(t, LevelLog, tr.Escalation("1.1.1.1", now))

	tr.Record("1.1.1.1", 9, now) // weight 3.0
	assert.Equal(t, LevelChallenge, tr.Escalation("1.1.1.1", now))

	tr.Record("1.1.1.1", 9, now) // weight accumulates to 6.0
	tr.Record("1.1.1.1", 9, now) // 9.0, crosses block
	assert.Equal(t, LevelBlock, tr.Escalation("1.1.1.1", now))
}

func TestPrune_RemovesOnlyStaleAndDecayedEntries(t *testing.T) {
	tr := NewTracker(Config{HalfLife: time.Minute, ChallengeThreshold: 3, BlockThreshold: 8})
	t0 := time.Unix(3_000_000, 0)

	tr.Record("stale", 1, t0)
	tr.Record("fresh", 9, t0.Add(100*time.Minute))

	later := t0.Add(101 * time.Minute)
	removed := tr.Prune(later, 10*time.Minute)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 0.0, tr.Score("stale", later))
	assert.Greater(t, tr.Score("fresh", later), 0.0, "an entry touched recently should not be pruned")
}

func TestLevelForWAFAction(t *testing.T) {
	assert.Equal(t, LevelLog, LevelForWAFAction(waf.ActionLog))
	assert.Equal(t, LevelChallenge, LevelForWAFAction(waf.ActionChallenge))
	assert.Equal(t, LevelBlock, LevelForWAFAction(waf.ActionBlock))
}
