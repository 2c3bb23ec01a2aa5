package feed

import (
	"fmt"
	"strings"
	"time"

	"herald/pkg/logx"
)

// Only numeric offsets are accepted. Named zones other than GMT and UTC
// (rewritten below) would parse with a zero offset.
var publishedLayouts = []string{
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC3339,
	"2006-01-02T15:04:05 -0700",
	"2006-01-02T15:04:05-0700",
}

// ParsePublished parses the date formats seen in RSS and Atom feeds. A
// trailing GMT or UTC zone name is treated as +0000.
func ParsePublished(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	for _, suffix := range []string{" GMT", " UTC", "GMT", "UTC"} {
		if strings.HasSuffix(v, suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, suffix)) + " +0000"
			break
		}
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized published date %q", s)
}

// FilterToday keeps items published on now's calendar date in loc. The date
// is computed once so every item is judged against the same day. Items with
// an unparseable date are logged and dropped.
func FilterToday(items []ContentItem, loc *time.Location, now time.Time, log logx.Logger) []ContentItem {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()

	out := make([]ContentItem, 0, len(items))
	for _, it := range items {
		t, err := ParsePublished(it.Published)
		if err != nil {
			log.Warn("dropping item with unparseable date",
				logx.String("feed", it.Feed),
				logx.String("link", it.Link),
				logx.Err(err),
			)
			continue
		}
		iy, im, id := t.In(loc).Date()
		if iy == y && im == m && id == d {
			out = append(out, it)
		}
	}
	return out
}
