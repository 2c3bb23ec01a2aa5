package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const eventLinkBase = "https://discord.com/events"

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("discord: decode GET %s: %w", path, err)
	}
	return nil
}

// Channels lists the guild's channels.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	if err := c.getJSON(ctx, "/guilds/"+url.PathEscape(c.guildID)+"/channels", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChannelID resolves a channel name to its id by exact match.
func (c *Client) ChannelID(ctx context.Context, name string) (string, error) {
	chs, err := c.Channels(ctx)
	if err != nil {
		return "", err
	}
	for _, ch := range chs {
		if ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("channel %q: %w", name, ErrNotFound)
}

// RecentMessages returns up to limit of the newest messages in a channel,
// newest first.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages?limit=" + strconv.Itoa(limit)
	var out []Message
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentContents is RecentMessages reduced to message bodies.
func (c *Client) RecentContents(ctx context.Context, channelID string, limit int) ([]string, error) {
	msgs, err := c.RecentMessages(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out, nil
}

// PostMessage sends content to a channel after the configured send delay.
func (c *Client) PostMessage(ctx context.Context, channelID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	resp, err := c.Do(ctx, http.MethodPost, path, map[string]string{"content": content}, WithSendDelay())
	if err != nil {
		return Message{}, err
	}
	var m Message
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &m); err != nil {
			return Message{}, fmt.Errorf("discord: decode POST %s: %w", path, err)
		}
	}
	return m, nil
}

// ScheduledEvents lists the guild's scheduled events.
func (c *Client) ScheduledEvents(ctx context.Context) ([]ScheduledEvent, error) {
	var out []ScheduledEvent
	if err := c.getJSON(ctx, "/guilds/"+url.PathEscape(c.guildID)+"/scheduled-events", &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Start = out[i].Start.UTC()
	}
	return out, nil
}

// EventUsers lists users who marked interest in an event.
func (c *Client) EventUsers(ctx context.Context, eventID string, limit int) ([]User, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	path := "/guilds/" + url.PathEscape(c.guildID) + "/scheduled-events/" + url.PathEscape(eventID) + "/users?limit=" + strconv.Itoa(limit)
	var raw []eventUser
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(raw))
	for _, r := range raw {
		if r.User.ID == "" {
			continue
		}
		out = append(out, r.User)
	}
	return out, nil
}

// CreateDM opens (or returns the existing) direct message channel with a user.
func (c *Client) CreateDM(ctx context.Context, userID string) (Channel, error) {
	if err := validUserID(userID); err != nil {
		return Channel{}, err
	}
	resp, err := c.Do(ctx, http.MethodPost, "/users/@me/channels", map[string]string{"recipient_id": userID})
	if err != nil {
		return Channel{}, err
	}
	var ch Channel
	if err := json.Unmarshal(resp.Body, &ch); err != nil {
		return Channel{}, fmt.Errorf("discord: decode dm channel: %w", err)
	}
	if ch.ID == "" {
		return Channel{}, fmt.Errorf("discord: dm channel for %s has no id", userID)
	}
	return ch, nil
}

// SendDM delivers content to a user's direct message channel.
func (c *Client) SendDM(ctx context.Context, userID, content string) error {
	if err := validUserID(userID); err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	ch, err := c.CreateDM(ctx, userID)
	if err != nil {
		return err
	}
	_, err = c.PostMessage(ctx, ch.ID, content)
	return err
}

// EventLink is the public URL of a scheduled event.
func (c *Client) EventLink(eventID string) string {
	return eventLinkBase + "/" + c.guildID + "/" + eventID
}

func validUserID(id string) error {
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}
