package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
)

func fresh(id int64, name string) rating.Participant {
	return rating.NewParticipant(id, name, time.Unix(1700000000, 0))
}

func snapOf(ps ...rating.Participant) Snapshot {
	return Snapshot{
		Version:      1,
		Participants: ps,
		PairGames:    map[PairKey]int{},
		Busy:         map[int64]bool{},
	}
}

func TestProposeOpponentPrefersUnseenPair(t *testing.T) {
	focal := fresh(1, "focal")
	focal.Games = 3

	seen := fresh(2, "seen")
	seen.Games = 3 // identical rating, already played the focal

	distant := fresh(3, "distant")
	distant.Mu = 60
	distant.Sigma = 1.5
	distant.Games = 20

	snap := snapOf(focal, seen, distant)
	snap.PairGames[NewPairKey(1, 2)] = 3

	p, err := New().ProposeOpponent(1, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.B, "unseen pair should beat a closer skill match")
	assert.Contains(t, p.Rationale, RationaleUnseenPair)
}

func TestProposeOpponentTieBreaksOnSmallestID(t *testing.T) {
	snap := snapOf(fresh(5, "focal"), fresh(9, "b"), fresh(3, "a"), fresh(7, "c"))

	p, err := New().ProposeOpponent(5, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.B, "identical candidates should resolve to the smallest ID")
}

func TestProposeOpponentSkipsBusyAndSelf(t *testing.T) {
	snap := snapOf(fresh(1, "focal"), fresh(2, "busy"), fresh(3, "free"))
	snap.Busy[2] = true

	p, err := New().ProposeOpponent(1, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.A)
	assert.Equal(t, int64(3), p.B)
}

func TestProposeOpponentInsufficientPool(t *testing.T) {
	snap := snapOf(fresh(1, "alone"))
	_, err := New().ProposeOpponent(1, snap)
	require.ErrorIs(t, err, ErrInsufficientPool)

	snap = snapOf(fresh(1, "focal"), fresh(2, "busy"))
	snap.Busy[2] = true
	_, err = New().ProposeOpponent(1, snap)
	require.ErrorIs(t, err, ErrInsufficientPool)
}

func TestProposeOpponentUnknownFocal(t *testing.T) {
	snap := snapOf(fresh(1, "a"), fresh(2, "b"))
	_, err := New().ProposeOpponent(99, snap)
	require.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestProposeOpponentRationaleTags(t *testing.T) {
	focal := fresh(1, "focal")
	other := fresh(2, "other")
	snap := snapOf(focal, other)

	p, err := New().ProposeOpponent(1, snap)
	require.NoError(t, err)
	// Two fresh equals: unseen, cold, wide open, and identical skill.
	assert.ElementsMatch(t, []string{
		RationaleUnseenPair,
		RationaleLowGames,
		RationaleHighUncertainty,
		RationaleCloseSkill,
	}, p.Rationale)
}

func TestProposeBatchDisjointPairs(t *testing.T) {
	snap := snapOf(fresh(1, "a"), fresh(2, "b"), fresh(3, "c"), fresh(4, "d"), fresh(5, "e"), fresh(6, "f"))

	out, err := New().ProposeBatch(snap, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)

	used := map[int64]int{}
	for _, p := range out {
		used[p.A]++
		used[p.B]++
	}
	for id, n := range used {
		assert.Equalf(t, 1, n, "participant %d paired %d times", id, n)
	}
}

func TestProposeBatchWithoutRepeatsStopsAtPoolLimit(t *testing.T) {
	snap := snapOf(fresh(1, "a"), fresh(2, "b"), fresh(3, "c"))

	out, err := New().ProposeBatch(snap, 3)
	require.NoError(t, err)
	assert.Len(t, out, 1, "three participants support only one disjoint pair")
}

func TestProposeBatchAllowRepeatsFillsSmallPool(t *testing.T) {
	m := New()
	m.AllowRepeats = true
	snap := snapOf(fresh(1, "a"), fresh(2, "b"), fresh(3, "c"))

	out, err := m.ProposeBatch(snap, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)

	// Repeats reuse participants but never the same pair.
	seen := map[PairKey]bool{}
	for _, p := range out {
		key := NewPairKey(p.A, p.B)
		assert.Falsef(t, seen[key], "pair %v proposed twice", key)
		seen[key] = true
	}
}

func TestProposeBatchRepeatsNotUsedWhenPoolIsLarge(t *testing.T) {
	m := New()
	m.AllowRepeats = true
	snap := snapOf(fresh(1, "a"), fresh(2, "b"), fresh(3, "c"), fresh(4, "d"))

	out, err := m.ProposeBatch(snap, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)

	used := map[int64]int{}
	for _, p := range out {
		used[p.A]++
		used[p.B]++
	}
	for id, n := range used {
		assert.Equalf(t, 1, n, "participant %d reused despite a large enough pool", id)
	}
}

func TestProposeBatchInsufficientPool(t *testing.T) {
	_, err := New().ProposeBatch(snapOf(fresh(1, "a")), 2)
	require.ErrorIs(t, err, ErrInsufficientPool)

	_, err = New().ProposeBatch(snapOf(fresh(1, "a"), fresh(2, "b")), 0)
	require.ErrorIs(t, err, ErrInsufficientPool)
}

func TestProposalCarriesSnapshotVersion(t *testing.T) {
	snap := snapOf(fresh(1, "a"), fresh(2, "b"))
	snap.Version = 42

	p, err := New().ProposeOpponent(1, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.SnapshotVersion)
}

func TestInfoGainShrinksAsBeliefsTighten(t *testing.T) {
	m := New()

	wideA, wideB := fresh(1, "a"), fresh(2, "b")
	tightA, tightB := fresh(3, "c"), fresh(4, "d")
	tightA.Sigma = 1.2
	tightB.Sigma = 1.2

	wide := m.infoGain(wideA, wideB)
	tight := m.infoGain(tightA, tightB)
	assert.Greater(t, wide, tight, "wide-open beliefs should promise more information")

	// A foregone conclusion teaches almost nothing even at high sigma.
	strong := fresh(5, "strong")
	strong.Mu = 70
	strong.Sigma = 1.0
	weak := fresh(6, "weak")
	weak.Mu = -20
	weak.Sigma = 1.0
	assert.Less(t, m.infoGain(strong, weak), 0.01)
}

func TestPairKeyNormalizesOrder(t *testing.T) {
	assert.Equal(t, NewPairKey(2, 9), NewPairKey(9, 2))
	assert.Equal(t, PairKey{Lo: 2, Hi: 9}, NewPairKey(9, 2))
}
