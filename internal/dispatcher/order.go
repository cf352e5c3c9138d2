package dispatcher

import (
	"sort"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/model"
)

// orderLinks implements spec.md section 4.5 step 1-2: sort ascending by
// priority, tie-break ascending by link id, reject sets larger than
// MaxSlots, and assign Position = index.
//
// The invariant this establishes (spec.md section 8): for every tuple,
// positions({links}) = {0, ..., len-1} with non-decreasing priority; links
// with equal priority take consecutive positions in link-id order.
func orderLinks(links []model.Link) ([]model.Link, error) {
	if len(links) > MaxSlots {
		return nil, bpferrors.New(bpferrors.DispatcherFull,
			"would require more than 10 slots", nil)
	}

	ordered := make([]model.Link, len(links))
	copy(ordered, links)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	for i := range ordered {
		ordered[i].Position = i
	}
	return ordered, nil
}
