package discord

import "time"

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

type entityMetadata struct {
	Location string `json:"location,omitempty"`
}

// ScheduledEvent is a guild scheduled event. Start is normalized to UTC.
type ScheduledEvent struct {
	ID             string          `json:"id"`
	GuildID        string          `json:"guild_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Start          time.Time       `json:"scheduled_start_time"`
	End            *time.Time      `json:"scheduled_end_time"`
	Status         int             `json:"status"`
	EntityMetadata *entityMetadata `json:"entity_metadata"`
	UserCount      int             `json:"user_count,omitempty"`
}

// Location is the external location, or "" for voice/stage events.
func (e ScheduledEvent) Location() string {
	if e.EntityMetadata == nil {
		return ""
	}
	return e.EntityMetadata.Location
}

type eventUser struct {
	User User `json:"user"`
}
