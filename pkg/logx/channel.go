package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// QuietComponent is the "comp" value whose records never reach the channel
// sink. The chat client logs under it, so its own retries cannot feed back
// into the channel.
const QuietComponent = "discord"

// maxChannelMessage stays below the chat platform's 2000 character cap.
const maxChannelMessage = 1900

type channelWriter struct{ svc *Service }

func (w *channelWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *channelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	target := s.target
	lim := s.limiter
	minLvl := s.minLvl
	hasPost := s.post != nil
	s.mu.Unlock()

	if target == "" || !hasPost || lim == nil || level < minLvl {
		return len(p), nil
	}

	msg, forward := formatChannelRecord(p)
	if !forward || msg == "" {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	s.enqueue(channelItem{channelID: target, msg: msg})
	return len(p), nil
}

// formatChannelRecord renders a zerolog JSON line as a short chat message.
// forward is false for records emitted by QuietComponent.
func formatChannelRecord(p []byte) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxChannelMessage), true
	}
	if comp, _ := m[ComponentKey].(string); comp == QuietComponent {
		return "", false
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("**[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("]** ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n```\n")
			b.WriteString(truncate(v, 900))
			b.WriteString("\n```")
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(v, 300))
	}
	return truncate(b.String(), maxChannelMessage), true
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
