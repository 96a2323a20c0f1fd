// Package conflict arbitrates overlapping ownership between virtual branches
// and renders inline conflict markers.
package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/javanhut/vbranch/internal/vbranch"
)

// Policy selects how contested hunks are resolved.
type Policy uint8

const (
	// PriorityOrder gives the hunk to the branch with the lowest order.
	PriorityOrder Policy = iota
	// MostRecentWins gives the hunk to the most recently edited branch.
	MostRecentWins
	// ManualOnly never picks a winner.
	ManualOnly
)

func (p Policy) String() string {
	switch p {
	case MostRecentWins:
		return "recent"
	case ManualOnly:
		return "manual"
	default:
		return "priority"
	}
}

// ParsePolicy parses a conflict.policy configuration value.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "priority":
		return PriorityOrder, nil
	case "recent":
		return MostRecentWins, nil
	case "manual":
		return ManualOnly, nil
	default:
		return PriorityOrder, fmt.Errorf("unknown conflict policy %q (expected priority, recent or manual)", s)
	}
}

// Contender is a branch competing for a contested region.
type Contender struct {
	Branch    vbranch.BranchID
	Name      string
	Order     int
	UpdatedAt time.Time
}

// ContenderFor describes b as a contender whose last edit was at edited.
func ContenderFor(b *vbranch.Branch, edited time.Time) Contender {
	return Contender{Branch: b.ID, Name: b.Name, Order: b.Order, UpdatedAt: edited}
}

// Decision is the outcome of arbitration.
type Decision struct {
	// Winner is empty when no branch wins.
	Winner vbranch.BranchID
	Losers []vbranch.BranchID
}

// Resolved reports whether a winner was chosen.
func (d Decision) Resolved() bool { return d.Winner != "" }

// Resolver applies a Policy.
type Resolver struct {
	Policy Policy
}

// Decide picks the winner among contenders. The result depends only on the
// contenders, not on their order.
func (r Resolver) Decide(contenders []Contender) Decision {
	cs := append([]Contender(nil), contenders...)
	sort.Slice(cs, func(i, j int) bool { return byPriority(cs[i], cs[j]) })

	if r.Policy == ManualOnly || len(cs) == 0 {
		d := Decision{}
		for _, c := range cs {
			d.Losers = append(d.Losers, c.Branch)
		}
		return d
	}

	win := 0
	if r.Policy == MostRecentWins {
		for i := 1; i < len(cs); i++ {
			if cs[i].UpdatedAt.After(cs[win].UpdatedAt) {
				win = i
			}
		}
	}

	d := Decision{Winner: cs[win].Branch}
	for i, c := range cs {
		if i != win {
			d.Losers = append(d.Losers, c.Branch)
		}
	}
	return d
}

func byPriority(a, b Contender) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.Branch < b.Branch
}
