package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
)

// Feed is one content source and the channel its items are published to.
type Feed struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ChannelName string `json:"channel_name"`
}

// Feeds is the declarative feeds file:
//
//	feeds:
//	  - name: go-blog
//	    url: https://go.dev/blog/feed.atom
//	    channel_name: golang
type Feeds struct {
	Feeds []Feed `json:"feeds"`
}

// LoadFeeds reads and validates a YAML or JSON feeds file.
func LoadFeeds(path string) (*Feeds, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Field: "newsletter.feeds_file", Reason: "unreadable", Err: err}
	}
	var f Feeds
	if err := decodeStrict(path, b, &f); err != nil {
		return nil, &ConfigurationError{Field: "newsletter.feeds_file", Reason: "invalid", Err: err}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every feed has a name, a channel and an http(s) URL.
func (f *Feeds) Validate() error {
	for i, fd := range f.Feeds {
		field := fmt.Sprintf("feeds[%d]", i)
		if strings.TrimSpace(fd.Name) == "" {
			return missing(field + ".name")
		}
		if strings.TrimSpace(fd.ChannelName) == "" {
			return missing(field + ".channel_name")
		}
		if strings.TrimSpace(fd.URL) == "" {
			return missing(field + ".url")
		}
		u, err := url.Parse(fd.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ConfigurationError{Field: field + ".url", Reason: fmt.Sprintf("%q must be an http or https URL", fd.URL)}
		}
	}
	return nil
}

func (f *Feeds) ByChannel(channel string) []Feed {
	var out []Feed
	for _, fd := range f.Feeds {
		if fd.ChannelName == channel {
			out = append(out, fd)
		}
	}
	return out
}

func (f *Feeds) ByName(name string) (Feed, bool) {
	for _, fd := range f.Feeds {
		if fd.Name == name {
			return fd, true
		}
	}
	return Feed{}, false
}

// ChannelNames returns the distinct destination channels, sorted.
func (f *Feeds) ChannelNames() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(f.Feeds))
	for _, fd := range f.Feeds {
		if _, ok := seen[fd.ChannelName]; ok {
			continue
		}
		seen[fd.ChannelName] = struct{}{}
		out = append(out, fd.ChannelName)
	}
	sort.Strings(out)
	return out
}
