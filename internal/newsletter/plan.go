package newsletter

import (
	"time"

	"herald/internal/feed"
	"herald/pkg/logx"
)

// Batch is the set of fresh items bound for one channel.
type Batch struct {
	Channel string
	Items   []feed.ContentItem
}

// FilterUnseen returns the candidates whose exact text does not appear in
// history. Comparison is byte-for-byte; repeated candidates are returned once.
func FilterUnseen(candidates, history []string) []string {
	seen := make(map[string]struct{}, len(history)+len(candidates))
	for _, h := range history {
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// PlanCycle keeps the items published today in loc and groups them by
// channel in first-seen order. A link that several feeds publish to the
// same channel appears once.
func PlanCycle(now time.Time, loc *time.Location, items []feed.ContentItem, log logx.Logger) []Batch {
	fresh := feed.FilterToday(items, loc, now, log)

	index := map[string]int{}
	links := map[string]map[string]struct{}{}
	var out []Batch
	for _, it := range fresh {
		i, ok := index[it.Channel]
		if !ok {
			i = len(out)
			index[it.Channel] = i
			links[it.Channel] = map[string]struct{}{}
			out = append(out, Batch{Channel: it.Channel})
		}
		if _, dup := links[it.Channel][it.Link]; dup {
			continue
		}
		links[it.Channel][it.Link] = struct{}{}
		out[i].Items = append(out[i].Items, it)
	}
	return out
}
