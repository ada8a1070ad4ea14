package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"naira-ramp/internal/notify"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	AdminJIDs []string
}

// Client wraps the WhatsMeow client and delivers operator notifications to
// the configured admin chats.
type Client struct {
	client *whatsmeow.Client
	admins []types.JID
	logger *slog.Logger
}

// ParseAdmins parses a list of JIDs such as 2348012345678@s.whatsapp.net.
// Bare phone numbers are accepted.
func ParseAdmins(raw []string) ([]types.JID, error) {
	var out []types.JID
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "@") {
			entry = strings.TrimPrefix(entry, "+") + "@" + types.DefaultUserServer
		}
		jid, err := types.ParseJID(entry)
		if err != nil {
			return nil, fmt.Errorf("parse admin jid %q: %w", entry, err)
		}
		out = append(out, jid)
	}
	return out, nil
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	admins, err := ParseAdmins(cfg.AdminJIDs)
	if err != nil {
		return nil, err
	}
	if len(admins) == 0 {
		return nil, errors.New("at least one admin jid is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client: client,
		admins: admins,
		logger: logger.With("component", "wa"),
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch evt.(type) {
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Error("device logged out, notifications will not be delivered")
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// Name identifies the backend in metrics.
func (c *Client) Name() string { return "whatsapp" }

// Deliver sends e to every admin chat.
func (c *Client) Deliver(ctx context.Context, e notify.Event) error {
	if !c.client.IsConnected() {
		return errors.New("whatsapp client not connected")
	}
	text := FormatEvent(e)
	var errs []error
	for _, jid := range c.admins {
		if err := c.SendText(ctx, jid, text); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", jid, err))
		}
	}
	return errors.Join(errs...)
}

// FormatEvent renders e as a chat message.
func FormatEvent(e notify.Event) string {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(strings.ReplaceAll(string(e.Type), "_", " "))
	b.WriteString("*")
	if e.CorrelationID != "" {
		b.WriteString("\nref: ")
		b.WriteString(e.CorrelationID)
	}
	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(e.Message)
	}
	return b.String()
}

// SendText sends a text message to the specified JID.
func (c *Client) SendText(ctx context.Context, to types.JID, text string) error {
	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}
