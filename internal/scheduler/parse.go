package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Trigger is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 9 * * *" (seconds optional), "@hourly", "@every 5m"
//   - interval: "15m", "1h30m"
//   - interval as HH:MM: "00:15" is every 15 minutes, "02:30" every 2.5 hours
//
// A "cron:" or "every:" prefix forces the form.
type Trigger struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	Raw   string
}

func (t Trigger) String() string {
	if t.Kind == KindInterval {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// cronParser accepts 5- and 6-field specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates raw and classifies it. Cron expressions are parsed here so
// a bad spec fails at load time rather than at registration.
func Parse(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(raw, strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@every"):
		return parseEvery(raw, strings.TrimSpace(strings.TrimPrefix(s, "@every")))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(raw, s)
	default:
		return parseEvery(raw, s)
	}
}

func parseCron(raw, expr string) (Trigger, error) {
	if expr == "" {
		return Trigger{}, fmt.Errorf("cron expression required in %q", raw)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Trigger{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Trigger{Kind: KindCron, Cron: expr, Raw: raw}, nil
}

func parseEvery(raw, v string) (Trigger, error) {
	var d time.Duration
	if m := hhmm.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		d = time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Trigger{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:15', or a duration like '15m')", raw)
		}
	}
	if d < time.Second {
		return Trigger{}, fmt.Errorf("interval in %q must be at least 1s", raw)
	}
	return Trigger{Kind: KindInterval, Every: d, Raw: raw}, nil
}
