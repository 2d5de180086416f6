// Package election holds the deterministic parts of a failover decision:
// ranking replicas for promotion and tallying leader votes.
package election

import (
	"fmt"
	"sort"
	"strings"
)

// Candidate is a replica that passed the eligibility filter.
type Candidate struct {
	Name     string
	RunID    string
	Priority int
	Offset   int64
}

// RankCandidates sorts candidates best first:
// 1. Priority (lowest first)
// 2. Replication offset (highest first)
// 3. Run id (lexicographically, case-insensitive; unknown run ids last)
func RankCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Offset != b.Offset {
			return a.Offset > b.Offset
		}
		if a.RunID == "" || b.RunID == "" {
			return a.RunID != "" && b.RunID == ""
		}
		return strings.ToLower(a.RunID) < strings.ToLower(b.RunID)
	})
}

// SelectReplica ranks cands and returns the winner together with a
// human-readable reason. ok is false when there is nothing to select.
func SelectReplica(cands []Candidate) (best Candidate, reason string, ok bool) {
	if len(cands) == 0 {
		return Candidate{}, "", false
	}
	RankCandidates(cands)
	return cands[0], selectionReason(cands), true
}

// selectionReason explains why the first ranked candidate was chosen
func selectionReason(sorted []Candidate) string {
	if len(sorted) < 2 {
		return "only candidate"
	}

	elected := sorted[0]
	runner := sorted[1]

	if elected.Priority != runner.Priority {
		return fmt.Sprintf("lower priority (%d vs %d)", elected.Priority, runner.Priority)
	}

	if elected.Offset != runner.Offset {
		return fmt.Sprintf("higher replication offset (%d vs %d)", elected.Offset, runner.Offset)
	}

	return fmt.Sprintf("tie-breaker: run id (%s < %s)", short(elected.RunID), short(runner.RunID))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "?"
	}
	return id
}

// Tally counts leader votes for one epoch.
type Tally struct {
	votes map[string]int
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{votes: make(map[string]int)}
}

// Add records one vote. Empty ids are ignored.
func (t *Tally) Add(id string) {
	if id == "" {
		return
	}
	t.votes[id]++
}

// Votes returns the number of votes for id.
func (t *Tally) Votes(id string) int {
	return t.votes[id]
}

// Plurality returns the id with most votes. Ties go to the lowest id so
// every monitor looking at the same votes picks the same one.
func (t *Tally) Plurality() (string, int) {
	winner, max := "", 0
	for id, n := range t.votes {
		if n > max || (n == max && id < winner) {
			winner, max = id, n
		}
	}
	return winner, max
}

// Winner returns the plurality id if it holds a strict majority of voters
// and at least quorum votes.
func (t *Tally) Winner(voters, quorum int) (string, bool) {
	id, n := t.Plurality()
	if id == "" || n < Majority(voters) || n < quorum {
		return "", false
	}
	return id, true
}

// Majority is the smallest strict majority of n voters.
func Majority(n int) int {
	return n/2 + 1
}
