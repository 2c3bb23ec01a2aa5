package calendar

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("calendar: event not found")

// Event is an entry in the mirror calendar.
type Event struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Link        string
}

// Store is the mirror calendar.
type Store interface {
	// List returns events starting in [from, to], ordered by start.
	List(ctx context.Context, from, to time.Time) ([]Event, error)
	Get(ctx context.Context, id string) (Event, error)
	Insert(ctx context.Context, e Event) (Event, error)
	// Update overwrites summary, description, location, start and end of
	// the event with the given id.
	Update(ctx context.Context, id string, e Event) (Event, error)
	Delete(ctx context.Context, id string) error
}

// Desired is the mirror event a source event should produce.
type Desired struct {
	SourceID    string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

func (d Desired) Event() Event {
	return Event{Summary: d.Summary, Description: d.Description, Location: d.Location, Start: d.Start, End: d.End}
}

// Update replaces a matched mirror event wholesale.
type Update struct {
	MirrorID string
	Desired  Desired
	Changed  []string // start, description, location
}

type Noop struct {
	MirrorID string
	SourceID string
}

type Plan struct {
	Create []Desired
	Update []Update
	Noop   []Noop
}

func (p Plan) Empty() bool { return len(p.Create) == 0 && len(p.Update) == 0 }

const (
	DefaultMatchBuffer   = 5 * time.Minute
	DefaultLookahead     = 90 * 24 * time.Hour
	DefaultEventDuration = time.Hour
)

type Options struct {
	MatchBuffer   time.Duration
	Lookahead     time.Duration
	EventDuration time.Duration
}

func (o Options) withDefaults() Options {
	if o.MatchBuffer <= 0 {
		o.MatchBuffer = DefaultMatchBuffer
	}
	if o.Lookahead <= 0 {
		o.Lookahead = DefaultLookahead
	}
	if o.EventDuration <= 0 {
		o.EventDuration = DefaultEventDuration
	}
	return o
}

// Window is the candidate range searched for a source event starting at start.
func (o Options) Window(start time.Time) (from, to time.Time) {
	o = o.withDefaults()
	return start.Add(-o.MatchBuffer), start.Add(o.Lookahead)
}
