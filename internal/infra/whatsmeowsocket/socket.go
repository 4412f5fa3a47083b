package whatsmeowsocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/gatewayerr"
)

// socket adapts a *whatsmeow.Client to domain.Socket, translating the
// library's callback-driven event emitter into a channel of typed
// events consumed by one supervisor goroutine per session.
type socket struct {
	sessionID string
	client    *whatsmeow.Client
	events    chan domain.Event
}

func newSocket(sessionID string, client *whatsmeow.Client) *socket {
	s := &socket{
		sessionID: sessionID,
		client:    client,
		events:    make(chan domain.Event, 64),
	}
	client.AddEventHandler(s.dispatch)
	return s
}

func (s *socket) Events() <-chan domain.Event { return s.events }

func (s *socket) IsConnected() bool {
	return s.client.IsConnected() && s.client.IsLoggedIn()
}

func (s *socket) Close(ctx context.Context) error {
	if s.client.IsConnected() {
		s.client.Disconnect()
	}
	s.client.Logout(ctx)
	close(s.events)
	return nil
}

func (s *socket) Send(ctx context.Context, msg domain.OutgoingMessage) error {
	to, err := types.ParseJID(msg.WaID)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeInvalidRequest, "invalid recipient JID", err)
	}

	var waMsg *waProto.Message
	switch msg.Kind {
	case domain.SendText:
		waMsg = &waProto.Message{Conversation: &msg.Body}
	case domain.SendImage:
		waMsg, err = s.uploadAndWrap(ctx, msg, whatsmeow.MediaImage)
	case domain.SendAudio:
		waMsg, err = s.uploadAndWrap(ctx, msg, whatsmeow.MediaAudio)
	case domain.SendVideo:
		waMsg, err = s.uploadAndWrap(ctx, msg, whatsmeow.MediaVideo)
	case domain.SendDocument:
		waMsg, err = s.uploadAndWrap(ctx, msg, whatsmeow.MediaDocument)
	default:
		return gatewayerr.New(gatewayerr.CodeUnsupportedType, fmt.Sprintf("unsupported send kind %q", msg.Kind))
	}
	if err != nil {
		return err
	}

	_, err = s.client.SendMessage(ctx, to, waMsg)
	return err
}

// uploadAndWrap is a placeholder media path: a production build would
// fetch msg.MediaURL, upload via client.Upload, and populate the typed
// media message. Out of the hard core's scope (§1 excludes media
// transcoding specifics); left as a narrow seam for that work.
func (s *socket) uploadAndWrap(ctx context.Context, msg domain.OutgoingMessage, kind whatsmeow.MediaType) (*waProto.Message, error) {
	return nil, errors.New("media upload not implemented for kind " + string(kind))
}

func (s *socket) dispatch(raw interface{}) {
	switch e := raw.(type) {
	case *events.Connected:
		s.emit(domain.Event{Kind: domain.EventConnectionUpdate, Connection: &domain.ConnectionUpdate{
			State: domain.ConnStateOpen,
		}})
	case *events.QR:
		qr := ""
		if len(e.Codes) > 0 {
			qr = e.Codes[0]
		}
		s.emit(domain.Event{Kind: domain.EventConnectionUpdate, Connection: &domain.ConnectionUpdate{
			State: domain.ConnStateConnecting, QR: qr,
		}})
	case *events.Disconnected:
		s.emit(domain.Event{Kind: domain.EventConnectionUpdate, Connection: &domain.ConnectionUpdate{
			State: domain.ConnStateClose,
		}})
	case *events.LoggedOut:
		s.emit(domain.Event{Kind: domain.EventConnectionUpdate, Connection: &domain.ConnectionUpdate{
			State: domain.ConnStateClose, StatusCode: 401,
		}})
	case *events.StreamError:
		s.emit(domain.Event{Kind: domain.EventConnectionUpdate, Connection: &domain.ConnectionUpdate{
			State: domain.ConnStateClose, StatusCode: 500,
		}})
	case *events.PairSuccess:
		s.emit(domain.Event{Kind: domain.EventCredsUpdate, Creds: &domain.CredsUpdate{}})
	case *events.Message:
		s.emit(domain.Event{Kind: domain.EventMessagesUpsert, Messages: &domain.MessagesUpsert{
			Messages: []domain.RawMessage{toRawMessage(e)},
		}})
	}
}

func (s *socket) emit(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-time.After(5 * time.Second):
		// Supervisor stalled; drop rather than block the library's
		// event-dispatch goroutine indefinitely.
	}
}

func toRawMessage(e *events.Message) domain.RawMessage {
	rm := domain.RawMessage{
		RemoteJID:        e.Info.Chat.String(),
		Participant:      e.Info.Sender.String(),
		FromMe:           e.Info.IsFromMe,
		MessageID:        e.Info.ID,
		MessageTimestamp: e.Info.Timestamp,
		PushName:         e.Info.PushName,
	}
	if e.Info.SenderAlt.User != "" {
		rm.ParticipantAlt = e.Info.SenderAlt.String()
	}
	if e.Info.ChatAlt.User != "" {
		rm.RemoteJIDAlt = e.Info.ChatAlt.String()
	}

	msg := e.Message
	switch {
	case msg.GetConversation() != "":
		rm.Conversation = msg.GetConversation()
		rm.MessageType = "conversation"
	case msg.GetExtendedTextMessage() != nil:
		rm.ExtendedText = msg.GetExtendedTextMessage().GetText()
		rm.MessageType = "extendedTextMessage"
	case msg.GetImageMessage() != nil:
		rm.MediaKind = "image"
		rm.MediaCaption = msg.GetImageMessage().GetCaption()
		rm.MessageType = "imageMessage"
	case msg.GetVideoMessage() != nil:
		rm.MediaKind = "video"
		rm.MediaCaption = msg.GetVideoMessage().GetCaption()
		rm.MessageType = "videoMessage"
	case msg.GetAudioMessage() != nil:
		rm.MediaKind = "audio"
		rm.MessageType = "audioMessage"
	case msg.GetDocumentMessage() != nil:
		rm.MediaKind = "document"
		rm.MediaFilename = msg.GetDocumentMessage().GetFileName()
		rm.MessageType = "documentMessage"
	case msg.GetProtocolMessage() != nil:
		rm.MessageType = "protocolMessage"
	case msg.GetSenderKeyDistributionMessage() != nil:
		rm.MessageType = "senderKeyDistributionMessage"
	case msg.GetReactionMessage() != nil:
		rm.MessageType = "reactionMessage"
	case msg.GetEphemeralMessage() != nil:
		rm.MessageType = "ephemeralMessage"
	case msg.GetPollUpdateMessage() != nil:
		rm.MessageType = "pollUpdateMessage"
	}
	return rm
}
