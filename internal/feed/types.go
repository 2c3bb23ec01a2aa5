package feed

import "fmt"

// Missing marks an optional item field the feed did not provide.
const Missing = "N/A"

// ContentItem is one fully populated feed entry bound for Channel.
type ContentItem struct {
	Feed      string
	Title     string
	Link      string
	Published string // raw upstream value, parsed by the freshness filter
	Summary   string
	Channel   string
}

// FetchError is a transport failure or non-2xx response.
type FetchError struct {
	Feed   string
	URL    string
	Status int // 0 for transport failures
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("feed %s: GET %s: status %d", e.Feed, e.URL, e.Status)
	}
	return fmt.Sprintf("feed %s: GET %s: %v", e.Feed, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FeedParseError means the body was fetched but is not a valid RSS/Atom/JSON feed.
type FeedParseError struct {
	Feed string
	URL  string
	Err  error
}

func (e *FeedParseError) Error() string {
	return fmt.Sprintf("feed %s: parse %s: %v", e.Feed, e.URL, e.Err)
}

func (e *FeedParseError) Unwrap() error { return e.Err }
