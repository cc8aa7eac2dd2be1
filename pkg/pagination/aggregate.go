package pagination

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/Sternrassler/wit-harvester/pkg/workitem"
)

// Aggregate concatenates the non-empty slots in ascending slot order,
// keeping the order the service returned within each slot. limit is only
// a capacity hint. With dedupe set, later occurrences of an id are dropped.
func Aggregate(slots [][]workitem.WorkItem, limit int, dedupe bool) []workitem.WorkItem {
	if limit < 1 {
		limit = 1
	}
	items := make([]workitem.WorkItem, 0, len(slots)*limit)

	var seen *roaring.Bitmap
	if dedupe {
		seen = roaring.New()
	}

	for _, slot := range slots {
		for _, item := range slot {
			if seen != nil && !seen.CheckedAdd(uint32(item.ID)) {
				continue
			}
			items = append(items, item)
		}
	}
	return items
}
