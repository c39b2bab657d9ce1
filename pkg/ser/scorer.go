package ser

import "math"

// moveShiftThreshold is the minimum change in relative token position
// (index / sequence length) that counts as a move.
const moveShiftThreshold = 0.1

// Scorer computes token-level edit statistics between a hypothesis and a
// reference. The zero value is ready to use and safe for concurrent use.
type Scorer struct{}

// Distance returns the minimum number of single-token insertions, deletions
// and substitutions (unit cost each) needed to turn hyp into ref.
//
// It fills the full (len(hyp)+1)×(len(ref)+1) dynamic-programming table, so
// both time and space are O(len(hyp)·len(ref)).
func (Scorer) Distance(hyp, ref []string) int {
	m, n := len(hyp), len(ref)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
		dp[i][0] = i
	}
	for j := 0; j <= n; j++ {
		dp[0][j] = j
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if hyp[i-1] == ref[j-1] {
				dp[i][j] = dp[i-1][j-1]
				continue
			}
			dp[i][j] = 1 + min(
				dp[i-1][j],   // delete from hyp
				dp[i][j-1],   // insert into hyp
				dp[i-1][j-1], // substitute
			)
		}
	}
	return dp[m][n]
}

// CountInsertions returns the number of distinct tokens that appear in ref
// but nowhere in hyp. This is a set-difference heuristic, not an
// alignment-based count.
func (Scorer) CountInsertions(hyp, ref []string) int {
	return setDifference(ref, hyp)
}

// CountDeletions returns the number of distinct tokens that appear in hyp but
// nowhere in ref.
func (Scorer) CountDeletions(hyp, ref []string) int {
	return setDifference(hyp, ref)
}

// CountMoves estimates how many tokens were reordered between hyp and ref.
//
// Tokens occurring exactly once in both sequences are compared by relative
// position (index / length); a shift greater than 0.1 counts as one move.
// For tokens occurring more than once on either side, the difference in
// occurrence counts, capped at the smaller count, is added instead.
//
// This is a position-shift approximation, not a true alignment. Results are
// deterministic but can over- or under-count on heavily repeated text.
func (Scorer) CountMoves(hyp, ref []string) int {
	if len(hyp) == 0 || len(ref) == 0 {
		return 0
	}

	hypPos := positions(hyp)
	refPos := positions(ref)

	moves := 0
	seen := make(map[string]struct{}, len(refPos))
	for _, tok := range ref {
		if _, done := seen[tok]; done {
			continue
		}
		seen[tok] = struct{}{}

		hp, ok := hypPos[tok]
		if !ok {
			continue
		}
		rp := refPos[tok]

		if len(hp) == 1 && len(rp) == 1 {
			hRel := float64(hp[0]) / float64(len(hyp))
			rRel := float64(rp[0]) / float64(len(ref))
			if math.Abs(hRel-rRel) > moveShiftThreshold {
				moves++
			}
			continue
		}

		diff := len(hp) - len(rp)
		if diff < 0 {
			diff = -diff
		}
		moves += min(diff, len(hp), len(rp))
	}
	return moves
}

// setDifference counts the distinct tokens of a that are absent from b.
func setDifference(a, b []string) int {
	inB := make(map[string]struct{}, len(b))
	for _, tok := range b {
		inB[tok] = struct{}{}
	}
	counted := make(map[string]struct{}, len(a))
	for _, tok := range a {
		if _, ok := inB[tok]; ok {
			continue
		}
		counted[tok] = struct{}{}
	}
	return len(counted)
}

// positions maps each token to the indices at which it occurs.
func positions(tokens []string) map[string][]int {
	pos := make(map[string][]int, len(tokens))
	for i, tok := range tokens {
		pos[tok] = append(pos[tok], i)
	}
	return pos
}
