package reminder

import (
	"fmt"
	"time"

	"herald/internal/discord"
)

// Due returns the events starting lead from now, give or take tolerance.
// The bounds are exclusive.
func Due(now time.Time, events []discord.ScheduledEvent, lead, tolerance time.Duration) []discord.ScheduledEvent {
	var out []discord.ScheduledEvent
	for _, e := range events {
		if e.Start.IsZero() {
			continue
		}
		off := e.Start.Sub(now) - lead
		if off < 0 {
			off = -off
		}
		if off < tolerance {
			out = append(out, e)
		}
	}
	return out
}

// Message is the DM text for one attendee.
func Message(e discord.ScheduledEvent, userID, link string, lead time.Duration) string {
	return fmt.Sprintf(
		"🌟 Hey <@%s>! Just a quick vibe check: **%s** is starting in %s! You don't want to miss this! "+
			"Grab your snacks, bring your energy, and click the link below to join: \n%s",
		userID, e.Name, humanLead(lead), link,
	)
}

func humanLead(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "an hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
