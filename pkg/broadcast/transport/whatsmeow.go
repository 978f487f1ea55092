package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session stores.
)

// WhatsmeowFactory creates whatsmeow-backed clients with one SQLite session
// database per tenant under SessionsDir.
type WhatsmeowFactory struct {
	SessionsDir string
	Logger      *slog.Logger
}

// NewWhatsmeowFactory returns a factory rooted at sessionsDir.
func NewWhatsmeowFactory(sessionsDir string, logger *slog.Logger) *WhatsmeowFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsmeowFactory{SessionsDir: sessionsDir, Logger: logger}
}

// NewClient opens (or creates) the tenant's session store and wraps a
// whatsmeow client around it. Events are translated into typed transport
// events and dispatched to h.
func (f *WhatsmeowFactory) NewClient(ctx context.Context, tenantID string, h Handler) (Client, error) {
	dir := filepath.Join(f.SessionsDir, tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	dbPath := filepath.Join(dir, "session.db")
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	device, err := getDevice(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}

	c := &waClient{
		tenantID: tenantID,
		handler:  h,
		logger:   f.Logger.With("component", "transport", "tenant", tenantID),
	}
	c.client = whatsmeow.NewClient(device, waLog.Noop)
	c.client.AddEventHandler(c.handleEvent)
	return c, nil
}

// getDevice retrieves the stored device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// waClient is the whatsmeow-backed Client for one tenant.
type waClient struct {
	tenantID  string
	client    *whatsmeow.Client
	handler   Handler
	logger    *slog.Logger
	destroyed atomic.Bool
}

func (c *waClient) Initialize(ctx context.Context) error {
	if c.client.Store.ID == nil {
		// First login: stream pairing codes until scanned or expired.
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("connecting for pairing: %w", err)
		}
		go c.pairingLoop(ctx, qrChan)
		return nil
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// pairingLoop forwards QR codes as pairing-token events. Success is
// reported by the Connected event, not here.
func (c *waClient) pairingLoop(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				c.dispatch(Event{Type: EventPairingToken, Token: evt.Code})
			case "success":
				return
			case "timeout":
				c.logger.Warn("pairing code expired")
				c.dispatch(Event{Type: EventDisconnected, Reason: "pairing timeout"})
				return
			default:
				if evt.Error != nil {
					c.logger.Error("pairing failed", "error", evt.Error)
					c.dispatch(Event{Type: EventDisconnected, Reason: evt.Error.Error()})
					return
				}
			}
		}
	}
}

func (c *waClient) Destroy() error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	c.client.Disconnect()
	return nil
}

func (c *waClient) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	if !c.client.IsConnected() {
		return "", ErrNotConnected
	}
	jid, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return string(resp.ID), nil
}

func (c *waClient) ChatPresence(ctx context.Context, chatID string) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	jid, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	return c.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

func (c *waClient) IsConnected() bool {
	return c.client.IsConnected()
}

// handleEvent maps whatsmeow events onto the bounded transport event set.
func (c *waClient) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.dispatch(Event{Type: EventOpen})

	case *events.LoggedOut:
		reason := "logged out"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		c.dispatch(Event{Type: EventAuthFailure, Reason: reason})

	case *events.Disconnected:
		c.dispatch(Event{Type: EventDisconnected, Reason: "connection lost"})

	case *events.StreamReplaced:
		c.dispatch(Event{Type: EventDisconnected, Reason: "stream replaced"})

	case *events.TemporaryBan:
		c.dispatch(Event{Type: EventDisconnected, Reason: "temporary ban: " + evt.Code.String()})

	case *events.Message:
		c.handleMessage(evt)
	}
}

func (c *waClient) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	body := extractText(evt.Message)
	if body == "" {
		return
	}

	c.dispatch(Event{Type: EventMessage, Message: &InboundMessage{
		ID:         string(evt.Info.ID),
		Phone:      evt.Info.Sender.User,
		Body:       body,
		ReceivedAt: evt.Info.Timestamp,
	}})
}

func (c *waClient) dispatch(evt Event) {
	if c.destroyed.Load() || c.handler == nil {
		return
	}
	c.handler(evt)
}

// extractText pulls the text content from a message, if any.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}

// parseChatID converts a chat ID produced by format.NormalizePhone (or a
// bare phone number) into a whatsmeow JID.
func parseChatID(chatID string) (types.JID, error) {
	s := strings.TrimSpace(chatID)
	s = strings.TrimSuffix(s, "@c.us")
	if s == "" {
		return types.JID{}, fmt.Errorf("empty chat ID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	return types.NewJID(s, types.DefaultUserServer), nil
}
