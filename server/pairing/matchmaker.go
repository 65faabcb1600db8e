// Package pairing picks opponents. The matchmaker is pure: it scores
// candidate pairs over an immutable population snapshot and proposes the
// matches expected to sharpen the ratings fastest. It never touches the
// store and never blocks.
package pairing

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
)

// ErrInsufficientPool means fewer than two eligible participants were
// available, so no pairing can be formed. Nothing was changed.
var ErrInsufficientPool = errors.New("insufficient pool")

// ErrUnknownParticipant means the focal participant is not in the
// snapshot the proposal was asked against.
var ErrUnknownParticipant = errors.New("unknown participant")

// Rationale tags attached to proposals so callers can see why a pair was
// picked.
const (
	RationaleUnseenPair      = "UNSEEN_PAIR"
	RationaleLowGames        = "LOW_GAMES"
	RationaleHighUncertainty = "HIGH_UNCERTAINTY"
	RationaleCloseSkill      = "CLOSE_SKILL"
)

// Tag thresholds. These only label proposals; the score itself is the
// weighted sum below.
const (
	lowGamesThreshold   = rating.ConvergeGames
	closeSkillBand      = 5.0
	highUncertaintyBand = rating.Sigma0
)

// PairKey identifies an unordered pair.
type PairKey struct {
	Lo, Hi int64
}

// NewPairKey normalizes (a, b) so both orders map to the same key.
func NewPairKey(a, b int64) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Lo: a, Hi: b}
}

// Snapshot is a consistent view of the population at one store version.
// PairGames counts completed games per unordered pair; Busy holds
// participants currently locked by an in-flight match.
type Snapshot struct {
	Version      int64
	Participants []rating.Participant
	PairGames    map[PairKey]int
	Busy         map[int64]bool
}

// Proposal is an ephemeral pairing suggestion. It is never persisted;
// accepting one means locking both sides and running the match.
type Proposal struct {
	A               int64    `json:"participant_a"`
	B               int64    `json:"participant_b"`
	Score           float64  `json:"score"`
	InfoGain        float64  `json:"info_gain"`
	Rationale       []string `json:"rationale"`
	SnapshotVersion int64    `json:"snapshot_version"`
}

// Weights tune the proposal score. Unseen dominates the defaults so a
// never-played pair beats a closer skill match.
type Weights struct {
	Unseen      float64
	LowGames    float64
	SkillGap    float64
	Uncertainty float64
}

// DefaultWeights returns the standard tuning.
func DefaultWeights() Weights {
	return Weights{Unseen: 1000, LowGames: 50, SkillGap: 1, Uncertainty: 2}
}

// Matchmaker scores pairings. AllowRepeats lets batch proposals reuse a
// participant when the eligible pool is smaller than twice the requested
// batch size.
type Matchmaker struct {
	Weights      Weights
	Beta         float64
	AllowRepeats bool
}

// New returns a matchmaker with the default weights and the updater's
// standard beta.
func New() Matchmaker {
	return Matchmaker{Weights: DefaultWeights(), Beta: rating.Sigma0 / 2}
}

// ProposeOpponent picks the best opponent for focalID from the snapshot,
// skipping the focal itself and anyone busy. Candidates are visited in
// ascending ID order and ties keep the first, so equal scores resolve to
// the smallest opponent ID.
func (m Matchmaker) ProposeOpponent(focalID int64, snap Snapshot) (Proposal, error) {
	var focal *rating.Participant
	for i := range snap.Participants {
		if snap.Participants[i].ID == focalID {
			focal = &snap.Participants[i]
			break
		}
	}
	if focal == nil {
		return Proposal{}, fmt.Errorf("focal %d: %w", focalID, ErrUnknownParticipant)
	}

	candidates := eligible(snap, focalID)
	if len(candidates) == 0 {
		return Proposal{}, fmt.Errorf("no opponent for %d: %w", focalID, ErrInsufficientPool)
	}

	best := m.proposalFor(*focal, candidates[0], snap)
	for _, o := range candidates[1:] {
		if p := m.proposalFor(*focal, o, snap); p.Score > best.Score {
			best = p
		}
	}
	return best, nil
}

// ProposeBatch returns up to size pairings over the snapshot. Each
// participant appears at most once unless repeats are both allowed and
// needed (pool smaller than 2*size); the same pair is never proposed
// twice in one batch. The result may be shorter than size when the pool
// runs out.
func (m Matchmaker) ProposeBatch(snap Snapshot, size int) ([]Proposal, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size %d: %w", size, ErrInsufficientPool)
	}
	pool := eligible(snap, 0)
	if len(pool) < 2 {
		return nil, fmt.Errorf("pool of %d: %w", len(pool), ErrInsufficientPool)
	}
	allowRepeats := m.AllowRepeats && len(pool) < 2*size

	ranked := make([]Proposal, 0, len(pool)*(len(pool)-1)/2)
	for i := 0; i < len(pool); i++ {
		for j := i + 1; j < len(pool); j++ {
			ranked = append(ranked, m.proposalFor(pool[i], pool[j], snap))
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].A != ranked[j].A {
			return ranked[i].A < ranked[j].A
		}
		return ranked[i].B < ranked[j].B
	})

	used := make(map[int64]bool, 2*size)
	taken := make(map[PairKey]bool, size)
	out := make([]Proposal, 0, size)
	for _, p := range ranked {
		if len(out) == size {
			break
		}
		key := NewPairKey(p.A, p.B)
		if taken[key] {
			continue
		}
		if !allowRepeats && (used[p.A] || used[p.B]) {
			continue
		}
		out = append(out, p)
		taken[key] = true
		used[p.A] = true
		used[p.B] = true
	}
	return out, nil
}

// eligible returns non-busy participants, excluding excludeID, in
// ascending ID order.
func eligible(snap Snapshot, excludeID int64) []rating.Participant {
	out := make([]rating.Participant, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.ID == excludeID || snap.Busy[p.ID] {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m Matchmaker) proposalFor(f, o rating.Participant, snap Snapshot) Proposal {
	key := NewPairKey(f.ID, o.ID)

	unseen := 0.0
	if snap.PairGames[key] == 0 {
		unseen = 1.0
	}
	combined := float64(f.Games + o.Games)
	gap := math.Abs(f.ExposedScore() - o.ExposedScore())
	uncertainty := f.Sigma + o.Sigma

	score := m.Weights.Unseen*unseen +
		m.Weights.LowGames/(1+combined) -
		m.Weights.SkillGap*gap +
		m.Weights.Uncertainty*uncertainty

	var tags []string
	if unseen == 1.0 {
		tags = append(tags, RationaleUnseenPair)
	}
	if f.Games+o.Games < lowGamesThreshold {
		tags = append(tags, RationaleLowGames)
	}
	if uncertainty > highUncertaintyBand {
		tags = append(tags, RationaleHighUncertainty)
	}
	if gap < closeSkillBand {
		tags = append(tags, RationaleCloseSkill)
	}

	return Proposal{
		A:               f.ID,
		B:               o.ID,
		Score:           score,
		InfoGain:        m.infoGain(f, o),
		Rationale:       tags,
		SnapshotVersion: snap.Version,
	}
}

// infoGain estimates how much one game between f and o would discriminate:
// the outcome variance p(1-p) scaled by how much of the combined spread is
// belief uncertainty rather than per-game noise.
func (m Matchmaker) infoGain(f, o rating.Participant) float64 {
	beta := m.Beta
	if beta <= 0 {
		beta = rating.Sigma0 / 2
	}
	p := rating.WinProbability(f, o, beta)
	c2 := f.Sigma*f.Sigma + o.Sigma*o.Sigma + 2*beta*beta
	return p * (1 - p) * (f.Sigma*f.Sigma + o.Sigma*o.Sigma) / c2
}
