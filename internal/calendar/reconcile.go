package calendar

import (
	"herald/internal/discord"
)

// MirrorLookup returns the mirror events in a source event's candidate window.
type MirrorLookup func(src discord.ScheduledEvent) []Event

// Reconcile decides, for each source event, whether the mirror needs a new
// event, an update, or nothing. A mirror event matches when its summary
// equals the source name exactly; the first unclaimed candidate wins, and a
// mirror event is never matched by two sources in one pass.
func Reconcile(source []discord.ScheduledEvent, lookup MirrorLookup, opts Options) Plan {
	opts = opts.withDefaults()
	claimed := map[string]struct{}{}
	var plan Plan

	for _, src := range source {
		want := desired(src, opts)

		var match *Event
		for _, cand := range lookup(src) {
			if cand.Summary != src.Name {
				continue
			}
			if _, taken := claimed[cand.ID]; taken {
				continue
			}
			c := cand
			match = &c
			break
		}
		if match == nil {
			plan.Create = append(plan.Create, want)
			continue
		}
		claimed[match.ID] = struct{}{}

		if changed := diff(*match, want); len(changed) > 0 {
			plan.Update = append(plan.Update, Update{MirrorID: match.ID, Desired: want, Changed: changed})
		} else {
			plan.Noop = append(plan.Noop, Noop{MirrorID: match.ID, SourceID: src.ID})
		}
	}
	return plan
}

func desired(src discord.ScheduledEvent, opts Options) Desired {
	start := src.Start.UTC()
	return Desired{
		SourceID:    src.ID,
		Summary:     src.Name,
		Description: src.Description,
		Location:    src.Location(),
		Start:       start,
		End:         start.Add(opts.EventDuration),
	}
}

// diff compares the fields the source owns. Start is compared as an
// instant so zone representation does not matter.
func diff(mirror Event, want Desired) []string {
	var changed []string
	if !mirror.Start.Equal(want.Start) {
		changed = append(changed, "start")
	}
	if mirror.Description != want.Description {
		changed = append(changed, "description")
	}
	if mirror.Location != want.Location {
		changed = append(changed, "location")
	}
	return changed
}
