// Package discord attaches Discord as a front end using discordgo. Direct
// messages and allowlisted channel messages are routed through the
// interaction router; queued outbound messages (agent reports, reminders)
// are delivered by a poll loop over the bridge cursor, so nothing produced
// while the gateway connection is down gets lost.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/valet/pkg/valet/bridge"
	"github.com/jholhewres/valet/pkg/valet/conversation"
	"github.com/jholhewres/valet/pkg/valet/router"
)

// bridgeName keys the durable delivery cursor.
const bridgeName = "discord"

// maxMessageLen is Discord's hard per-message limit.
const maxMessageLen = 2000

// Config holds the Discord front-end configuration.
type Config struct {
	// Token is the bot token. Empty disables the adapter.
	Token string `yaml:"token"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty allows all. Direct messages are always accepted.
	AllowedChannels []string `yaml:"allowed_channels"`

	// PollSeconds is the outbound delivery poll interval (default: 3).
	PollSeconds int `yaml:"poll_seconds"`
}

// Adapter is the Discord front end.
type Adapter struct {
	cfg     Config
	rt      *router.Router
	log     *conversation.Log
	cursors *bridge.CursorStore
	logger  *slog.Logger

	session   *discordgo.Session
	connected atomic.Bool

	// sender performs one channel write; swappable for tests.
	sender func(channelID, content string) error

	// chats maps user id to the Discord channel where that user last
	// wrote, which is where outbound delivery goes.
	mu    sync.RWMutex
	chats map[string]string

	// flushes serializes outbound delivery per user. An inbound reply
	// flush and the poll loop would otherwise read the same cursor and
	// send the same pending message twice.
	flushMu sync.Mutex
	flushes map[string]*sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the adapter. Call Start to connect.
func New(cfg Config, rt *router.Router, log *conversation.Log, cursors *bridge.CursorStore, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollSeconds <= 0 {
		cfg.PollSeconds = 3
	}
	return &Adapter{
		cfg:     cfg,
		rt:      rt,
		log:     log,
		cursors: cursors,
		logger:  logger.With("component", "discord"),
		chats:   make(map[string]string),
		flushes: make(map[string]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// Start opens the Discord gateway and the outbound delivery loop.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(a.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	a.session = session
	a.connected.Store(true)

	user := session.State.User
	a.logger.Info("discord connected", "bot", user.Username, "id", user.ID)

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.deliveryLoop(loopCtx)
	return nil
}

// Stop closes the gateway connection and the delivery loop.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	if a.session != nil {
		a.session.Close()
	}
	a.connected.Store(false)
	a.logger.Info("discord disconnected")
	return nil
}

// Connected reports gateway connection state.
func (a *Adapter) Connected() bool { return a.connected.Load() }

// onMessageCreate routes one inbound Discord message. The Discord message
// id doubles as the idempotency key, so gateway redeliveries cannot append
// twice.
func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if m.GuildID != "" && len(a.cfg.AllowedChannels) > 0 {
		allowed := false
		for _, id := range a.cfg.AllowedChannels {
			if id == m.ChannelID {
				allowed = true
				break
			}
		}
		if !allowed {
			return
		}
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	userID := m.Author.ID
	a.mu.Lock()
	a.chats[userID] = m.ChannelID
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, err := a.rt.Handle(ctx, userID, router.Inbound{
		Origin:      bridgeName,
		Body:        m.Content,
		ClientMsgID: "discord:" + m.ID,
	})
	if err != nil {
		a.logger.Error("inbound handling failed", "user", userID, "error", err)
		return
	}

	// The reply goes out through the same cursor-ordered path as queued
	// messages, so it can never overtake an older pending report.
	a.deliverUser(ctx, userID, m.ChannelID)
}

// deliveryLoop pushes queued outbound messages (agent completions, trigger
// notices) to each user's last known channel.
func (a *Adapter) deliveryLoop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(time.Duration(a.cfg.PollSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.deliverPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) deliverPending(ctx context.Context) {
	a.mu.RLock()
	chats := make(map[string]string, len(a.chats))
	for user, channel := range a.chats {
		chats[user] = channel
	}
	a.mu.RUnlock()

	for userID, channelID := range chats {
		a.deliverUser(ctx, userID, channelID)
	}
}

func (a *Adapter) flushLock(userID string) *sync.Mutex {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	m, ok := a.flushes[userID]
	if !ok {
		m = &sync.Mutex{}
		a.flushes[userID] = m
	}
	return m
}

// deliverUser flushes one user's pending outbound messages in id order,
// advancing the cursor after each successful send.
func (a *Adapter) deliverUser(ctx context.Context, userID, channelID string) {
	lock := a.flushLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cursor, err := a.cursors.Get(ctx, bridgeName, userID)
	if err != nil {
		a.logger.Warn("cursor load failed", "user", userID, "error", err)
		return
	}
	msgs, err := a.log.PendingSince(ctx, userID, cursor)
	if err != nil {
		a.logger.Warn("pending load failed", "user", userID, "error", err)
		return
	}
	for _, msg := range msgs {
		// System records are internal bookkeeping, not user traffic.
		if msg.Role == conversation.RoleSystem {
			if err := a.cursors.Advance(ctx, bridgeName, userID, msg.ID); err != nil {
				a.logger.Warn("cursor advance failed", "user", userID, "error", err)
				return
			}
			continue
		}
		if err := a.send(channelID, msg.Body); err != nil {
			a.logger.Warn("delivery failed, will retry next poll",
				"user", userID, "id", msg.ID, "error", err)
			return
		}
		if err := a.cursors.Advance(ctx, bridgeName, userID, msg.ID); err != nil {
			a.logger.Warn("cursor advance failed", "user", userID, "error", err)
			return
		}
		if err := a.log.MarkDelivered(ctx, userID, msg.ID); err != nil {
			a.logger.Warn("mark delivered failed", "user", userID, "error", err)
		}
	}
}

// send writes one message to a channel, splitting past Discord's length
// limit at newline boundaries where possible.
func (a *Adapter) send(channelID, content string) error {
	for _, chunk := range splitMessage(content, maxMessageLen) {
		if err := a.sendChunk(channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendChunk(channelID, chunk string) error {
	if a.sender != nil {
		return a.sender(channelID, chunk)
	}
	if a.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	_, err := a.session.ChannelMessageSend(channelID, chunk)
	return err
}

func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
