package pagination

import (
	"testing"

	"github.com/Sternrassler/wit-harvester/pkg/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRefs(n int) []workitem.Reference {
	refs := make([]workitem.Reference, n)
	for i := range refs {
		refs[i] = workitem.Reference{ID: 1000 + i, Position: i}
	}
	return refs
}

func TestPlan_HalfOpenPartitionsAllPositions(t *testing.T) {
	for _, limit := range []int{1, 2, 3, 7, 199, 200} {
		for _, n := range []int{0, 1, 2, 5, 199, 200, 201, 399, 400, 401, 450, 1000} {
			batches := Plan(n, limit, PolicyHalfOpen)

			require.Len(t, batches, (n+limit-1)/limit, "n=%d limit=%d", n, limit)

			covered := make([]int, n)
			next := 0
			for i, b := range batches {
				assert.Equal(t, i, b.Index)
				assert.Equal(t, next, b.Min, "windows must be contiguous")
				assert.Greater(t, b.Max, b.Min)
				assert.LessOrEqual(t, b.Max-b.Min, limit)
				for pos := 0; pos < n; pos++ {
					if b.Contains(pos) {
						covered[pos]++
					}
				}
				next = b.Max
			}
			if n > 0 {
				assert.Equal(t, n, next, "last window must end at n")
			}
			for pos, c := range covered {
				assert.Equal(t, 1, c, "n=%d limit=%d position %d covered %d times", n, limit, pos, c)
			}
		}
	}
}

func TestPlan_450Over200(t *testing.T) {
	batches := Plan(450, 200, PolicyHalfOpen)
	require.Len(t, batches, 3)

	refs := makeRefs(450)
	sizes := make([]int, len(batches))
	total := 0
	for i, b := range batches {
		sizes[i] = len(b.Select(refs))
		total += sizes[i]
	}

	assert.Equal(t, []int{200, 200, 50}, sizes)
	assert.Equal(t, 450, total)
}

func TestPlan_Legacy(t *testing.T) {
	batches := Plan(450, 200, PolicyLegacy)
	require.Len(t, batches, 2)

	assert.Equal(t, Batch{Index: 0, Min: 0, Max: 199, Policy: PolicyLegacy}, batches[0])
	assert.Equal(t, Batch{Index: 1, Min: 200, Max: 399, Policy: PolicyLegacy}, batches[1])

	refs := makeRefs(450)
	for _, b := range batches {
		ids := b.Select(refs)
		assert.Len(t, ids, 198)
		assert.False(t, b.Contains(b.Min))
		assert.False(t, b.Contains(b.Max))
	}

	assert.Empty(t, Plan(199, 200, PolicyLegacy), "legacy drops a lone partial batch")
}

func TestPlan_LegacySmallLimits(t *testing.T) {
	refs := makeRefs(12)
	for _, limit := range []int{-1, 0, 1, 2, 3} {
		batches := Plan(len(refs), limit, PolicyLegacy)
		require.Len(t, batches, 4, "limit %d", limit)
		for _, b := range batches {
			assert.Greater(t, b.Max, b.Min, "limit %d: %s", limit, b)
			assert.Equal(t, []int{1000 + b.Min + 1}, b.Select(refs), "limit %d: %s", limit, b)
		}
	}
}

func TestPlan_Degenerate(t *testing.T) {
	assert.Empty(t, Plan(0, 200, PolicyHalfOpen))
	assert.Empty(t, Plan(-5, 200, PolicyHalfOpen))

	batches := Plan(3, 0, PolicyHalfOpen)
	require.Len(t, batches, 3, "limit below one is treated as one")
	assert.Equal(t, 2, batches[2].Min)
	assert.Equal(t, 3, batches[2].Max)
}

func TestBatch_Select(t *testing.T) {
	refs := []workitem.Reference{
		{ID: 10, Position: 0},
		{ID: 11, Position: 1},
		{ID: 12, Position: 2},
		{ID: 13, Position: 3},
	}

	half := Batch{Index: 0, Min: 1, Max: 3, Policy: PolicyHalfOpen}
	assert.Equal(t, []int{11, 12}, half.Select(refs))

	legacy := Batch{Index: 0, Min: 0, Max: 3, Policy: PolicyLegacy}
	assert.Equal(t, []int{11, 12}, legacy.Select(refs))

	assert.Nil(t, Batch{Min: 10, Max: 20}.Select(refs))
}

func TestBatch_String(t *testing.T) {
	assert.Equal(t, "batch 2 [400, 450)", Batch{Index: 2, Min: 400, Max: 450}.String())
	assert.Equal(t, "batch 0 (0, 199)", Batch{Index: 0, Min: 0, Max: 199, Policy: PolicyLegacy}.String())
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name    string
		want    Policy
		wantErr bool
	}{
		{"", PolicyHalfOpen, false},
		{"half-open", PolicyHalfOpen, false},
		{"legacy", PolicyLegacy, false},
		{"inclusive", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePolicy(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
