package whatsapp

import (
	"fmt"
	"strconv"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/ashureev/shopdesk/internal/gateway"
)

// keepAliveFailures is how many missed keepalives end a connection.
const keepAliveFailures = 3

// closeReason maps whatsmeow events that end a connection. ok is false for
// every other event.
func closeReason(evt any) (reason gateway.CloseReason, ok bool) {
	switch e := evt.(type) {
	case *events.LoggedOut:
		msg := "logged out"
		if e.OnConnect {
			msg = "logged out while connecting"
		}
		return gateway.CloseReason{Code: gateway.CodeLoggedOut, Message: msg}, true
	case *events.StreamReplaced:
		return gateway.CloseReason{Code: gateway.CodeConnectionReplaced, Message: "connection replaced"}, true
	case *events.ManualLoginReconnect:
		return gateway.CloseReason{Code: gateway.CodeRestartRequired, Message: "restart required"}, true
	case *events.StreamError:
		code, err := strconv.Atoi(e.Code)
		if err != nil {
			code = 0
		}
		return gateway.CloseReason{Code: code, Message: "stream error " + e.Code}, true
	case *events.ConnectFailure:
		return connectFailureReason(e), true
	case *events.TemporaryBan:
		return gateway.CloseReason{Message: fmt.Sprintf("temporary ban (%v)", e.Code)}, true
	case *events.ClientOutdated:
		return gateway.CloseReason{Message: "client outdated"}, true
	case *events.KeepAliveTimeout:
		if e.ErrorCount < keepAliveFailures {
			return gateway.CloseReason{}, false
		}
		return gateway.CloseReason{Code: gateway.CodeTimedOut, Message: "keepalive timed out"}, true
	case *events.Disconnected:
		return gateway.CloseReason{Code: gateway.CodeConnectionClosed, Message: "connection closed"}, true
	}
	return gateway.CloseReason{}, false
}

// connectFailureReason maps whatsmeow's connect failure codes, which are not
// stream close codes, onto the close code table. Only logout reasons may
// reach a credential-erasing category; the rest carry fixed messages so the
// server text cannot steer classification.
func connectFailureReason(e *events.ConnectFailure) gateway.CloseReason {
	r := e.Reason
	switch {
	case r.IsLoggedOut():
		return gateway.CloseReason{Code: gateway.CodeLoggedOut, Message: fmt.Sprintf("logged out on connect (%d)", int(r))}
	case r == events.ConnectFailureInternalServerError,
		r == events.ConnectFailureExperimental,
		r == events.ConnectFailureServiceUnavailable:
		return gateway.CloseReason{Code: gateway.CodeUnavailable, Message: fmt.Sprintf("server unavailable (%d)", int(r))}
	case r == events.ConnectFailureClientOutdated, r == events.ConnectFailureBadUserAgent:
		return gateway.CloseReason{Message: fmt.Sprintf("client rejected by server (%d)", int(r))}
	case r == events.ConnectFailureTempBanned:
		return gateway.CloseReason{Message: fmt.Sprintf("temporary ban (%d)", int(r))}
	default:
		return gateway.CloseReason{Message: fmt.Sprintf("connect failure (%d)", int(r))}
	}
}

// qrCloseReason maps terminal pairing channel events.
func qrCloseReason(event string, err error) gateway.CloseReason {
	switch {
	case event == "timeout":
		return gateway.CloseReason{Code: gateway.CodeTimedOut, Message: "pairing challenge timed out"}
	case err != nil:
		return gateway.CloseReason{Message: "pairing failed: " + err.Error()}
	default:
		return gateway.CloseReason{Message: "pairing failed: " + strings.TrimPrefix(event, "err-")}
	}
}

func toRaw(evt *events.Message) gateway.RawMessage {
	info := evt.Info
	return gateway.RawMessage{
		ID:          info.ID,
		Chat:        info.Chat.ToNonAD().String(),
		Sender:      info.Sender.String(),
		FromMe:      info.IsFromMe,
		IsGroup:     info.IsGroup || info.Chat.Server == types.GroupServer,
		IsBroadcast: isBroadcast(info.Chat),
		PushName:    info.PushName,
		Timestamp:   info.Timestamp,
		Content:     content(evt.Message),
	}
}

func isBroadcast(jid types.JID) bool {
	return jid.Server == types.BroadcastServer || jid.Server == types.NewsletterServer
}

func content(m *waE2E.Message) gateway.Content {
	if m == nil {
		return gateway.Content{}
	}
	return gateway.Content{
		Conversation:    m.GetConversation(),
		ExtendedText:    m.GetExtendedTextMessage().GetText(),
		ImageCaption:    m.GetImageMessage().GetCaption(),
		VideoCaption:    m.GetVideoMessage().GetCaption(),
		DocumentCaption: m.GetDocumentMessage().GetCaption(),
		ButtonReplyID:   m.GetButtonsResponseMessage().GetSelectedButtonID(),
		ListReplyRowID:  m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID(),
		TemplateReplyID: m.GetTemplateButtonReplyMessage().GetSelectedID(),
	}
}

// ParseRecipient accepts a full address ("5511...@s.whatsapp.net") or a bare
// phone number, with or without formatting.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("parse recipient %q: %w", to, err)
		}
		return jid.ToNonAD(), nil
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("parse recipient %q: no digits", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
