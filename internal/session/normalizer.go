package session

import (
	"strings"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/gateway"
)

type extractor struct {
	kind domain.MessageKind
	text func(c *gateway.Content) string
}

// extractors are tried in order; the first non-empty result wins.
var extractors = []extractor{
	{domain.KindText, func(c *gateway.Content) string { return c.Conversation }},
	{domain.KindExtendedText, func(c *gateway.Content) string { return c.ExtendedText }},
	{domain.KindImage, func(c *gateway.Content) string { return c.ImageCaption }},
	{domain.KindVideo, func(c *gateway.Content) string { return c.VideoCaption }},
	{domain.KindDocument, func(c *gateway.Content) string { return c.DocumentCaption }},
	{domain.KindButton, func(c *gateway.Content) string { return c.ButtonReplyID }},
	{domain.KindList, func(c *gateway.Content) string { return c.ListReplyRowID }},
	{domain.KindTemplate, func(c *gateway.Content) string { return c.TemplateReplyID }},
}

// Normalize converts a raw message into an InboundMessage. It returns false
// for messages the bot must not answer: its own echoes, group and broadcast
// traffic, and messages without extractable text. self is the session's own
// gateway address and may be empty.
func Normalize(raw gateway.RawMessage, self string) (domain.InboundMessage, bool) {
	if raw.FromMe || (self != "" && sameAccount(raw.Sender, self)) {
		return domain.InboundMessage{}, false
	}
	if raw.IsGroup || raw.IsBroadcast || isGroupAddress(raw.Chat) || isBroadcastAddress(raw.Chat) {
		return domain.InboundMessage{}, false
	}

	for _, ex := range extractors {
		text := strings.TrimSpace(ex.text(&raw.Content))
		if text == "" {
			continue
		}
		correspondent := raw.Chat
		if correspondent == "" {
			correspondent = raw.Sender
		}
		return domain.InboundMessage{
			ID:              raw.ID,
			CorrespondentID: correspondent,
			Text:            text,
			Kind:            ex.kind,
			Timestamp:       raw.Timestamp,
			DisplayName:     raw.PushName,
		}, true
	}
	return domain.InboundMessage{}, false
}

// sameAccount compares the user part of two addresses, ignoring the device
// suffix ("123:4@server" and "123@server" are the same account).
func sameAccount(a, b string) bool {
	ua, ub := accountUser(a), accountUser(b)
	return ua != "" && ua == ub
}

func accountUser(addr string) string {
	user, _, _ := strings.Cut(addr, "@")
	user, _, _ = strings.Cut(user, ":")
	user, _, _ = strings.Cut(user, ".")
	return user
}

func isGroupAddress(addr string) bool {
	return strings.HasSuffix(addr, "@g.us")
}

func isBroadcastAddress(addr string) bool {
	return strings.HasSuffix(addr, "@broadcast") || strings.HasSuffix(addr, "@newsletter")
}
