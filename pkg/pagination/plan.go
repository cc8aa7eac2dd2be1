package pagination

import (
	"fmt"

	"github.com/Sternrassler/wit-harvester/pkg/workitem"
)

// Policy selects the window arithmetic used by Plan.
type Policy int

const (
	// PolicyHalfOpen partitions positions into [Min, Max) windows.
	// Every position in [0, n) lands in exactly one batch.
	PolicyHalfOpen Policy = iota

	// PolicyLegacy reproduces the historical tool: floor(n/limit) windows
	// of (Min, Max) with Max = Min+limit-1, both ends exclusive. The first
	// and last position of every window and the trailing n%limit
	// positions are never fetched. Limits below MinLegacyLimit are raised
	// to it so every window keeps Max > Min and admits a position.
	PolicyLegacy
)

// MinLegacyLimit is the smallest window stride PolicyLegacy plans with.
const MinLegacyLimit = 3

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyHalfOpen:
		return "half-open"
	case PolicyLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy converts a policy name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "half-open", "halfopen":
		return PolicyHalfOpen, nil
	case "legacy":
		return PolicyLegacy, nil
	default:
		return 0, fmt.Errorf("unknown batch policy %q", name)
	}
}

// Batch describes one window of reference positions fetched by a single call.
type Batch struct {
	Index  int
	Min    int
	Max    int
	Policy Policy
}

// Contains reports whether the window admits position pos.
func (b Batch) Contains(pos int) bool {
	if b.Policy == PolicyLegacy {
		return pos > b.Min && pos < b.Max
	}
	return pos >= b.Min && pos < b.Max
}

// Select returns the ids of the references admitted by the window,
// in reference order.
func (b Batch) Select(refs []workitem.Reference) []int {
	var ids []int
	for _, ref := range refs {
		if b.Contains(ref.Position) {
			ids = append(ids, ref.ID)
		}
	}
	return ids
}

// String renders the window in interval notation.
func (b Batch) String() string {
	if b.Policy == PolicyLegacy {
		return fmt.Sprintf("batch %d (%d, %d)", b.Index, b.Min, b.Max)
	}
	return fmt.Sprintf("batch %d [%d, %d)", b.Index, b.Min, b.Max)
}

// Plan partitions n reference positions into windows of at most limit
// positions. A limit below 1 is treated as 1, and PolicyLegacy raises it
// to MinLegacyLimit.
func Plan(n, limit int, policy Policy) []Batch {
	if limit < 1 {
		limit = 1
	}
	if n <= 0 {
		return nil
	}

	if policy == PolicyLegacy {
		limit = max(limit, MinLegacyLimit)
		count := n / limit
		batches := make([]Batch, 0, count)
		for i := 0; i < count; i++ {
			lo := i * limit
			batches = append(batches, Batch{
				Index:  i,
				Min:    lo,
				Max:    lo + limit - 1,
				Policy: PolicyLegacy,
			})
		}
		return batches
	}

	count := (n + limit - 1) / limit
	batches := make([]Batch, 0, count)
	for i := 0; i < count; i++ {
		lo := i * limit
		batches = append(batches, Batch{
			Index:  i,
			Min:    lo,
			Max:    min(lo+limit, n),
			Policy: PolicyHalfOpen,
		})
	}
	return batches
}
