package chat

import (
	"strings"
)

// notifyMentions pushes a MENTION signal to the connections of every online
// user named in msg, except the author. Best effort: offline users get nothing.
func (b *Broadcaster) notifyMentions(msg ChatMessagePayload) int {
	if len(msg.Mentions) == 0 || msg.User == nil {
		return 0
	}
	author := strings.ToLower(msg.User.Username)
	names := make([]string, 0, len(msg.Mentions))
	for _, m := range msg.Mentions {
		if strings.ToLower(m) != author {
			names = append(names, m)
		}
	}
	if len(names) == 0 {
		return 0
	}

	signal := MentionPayload{
		MessageID: msg.ID,
		From:      msg.User.Username,
		Content:   previewContent(msg.Content),
	}
	sent := 0
	for _, c := range b.registry.ConnectionsOf(names) {
		if err := b.SendTo(c, EventMention, signal); err == nil {
			sent++
		}
	}
	return sent
}

const mentionPreviewRunes = 140

func previewContent(s string) string {
	r := []rune(s)
	if len(r) <= mentionPreviewRunes {
		return s
	}
	return string(r[:mentionPreviewRunes]) + "…"
}
