// Package twitch implements the Twitch chat source over the public IRC
// WebSocket gateway. It logs in anonymously with a justinfan nick, joins a
// single channel and parses tagged PRIVMSG lines. Reading chat this way
// needs no OAuth token.
package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/crawdtv/crawd/internal/bus"
	"github.com/crawdtv/crawd/internal/chat"
)

// DefaultWSURL is Twitch's public IRC-over-WebSocket gateway.
const DefaultWSURL = "wss://irc-ws.chat.twitch.tv:443"

const (
	sourceName = "twitch"
	readLimit  = 1 << 20
)

// Config holds the Twitch connection parameters.
type Config struct {
	WSURL   string
	Channel string
}

// Adapter is the Twitch chat source.
type Adapter struct {
	cfg     Config
	channel string
	sink    chat.Sink

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	connected bool
	wg        sync.WaitGroup
}

// New creates a disconnected adapter.
func New(cfg Config, sink chat.Sink) *Adapter {
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	return &Adapter{
		cfg:     cfg,
		channel: strings.ToLower(strings.TrimPrefix(cfg.Channel, "#")),
		sink:    sink,
	}
}

func (a *Adapter) Name() string           { return sourceName }
func (a *Adapter) Platform() bus.Platform { return bus.PlatformTwitch }

// Connected reports whether the read pump is live.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect dials the IRC gateway, performs the anonymous login and starts
// the read pump.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	if a.channel == "" {
		return fmt.Errorf("twitch: channel not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)

	conn, _, err := websocket.Dial(runCtx, a.cfg.WSURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("twitch: dial %s: %w", a.cfg.WSURL, err)
	}
	conn.SetReadLimit(readLimit)

	nick := fmt.Sprintf("justinfan%05d", rand.IntN(100000))
	login := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"NICK " + nick,
		"JOIN #" + a.channel,
	}
	for _, line := range login {
		if err := conn.Write(runCtx, websocket.MessageText, []byte(line)); err != nil {
			cancel()
			conn.Close(websocket.StatusInternalError, "login failed")
			return fmt.Errorf("twitch: login: %w", err)
		}
	}

	a.conn = conn
	a.cancel = cancel
	a.connected = true

	a.wg.Add(1)
	go a.readPump(runCtx, conn)

	slog.Info("twitch chat connected", "channel", a.channel, "nick", nick)
	return nil
}

// Disconnect closes the connection and waits for the pump to exit.
// Idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	cancel := a.cancel
	a.conn = nil
	a.cancel = nil
	a.connected = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) readPump(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.mu.Lock()
			wasConnected := a.connected
			a.connected = false
			a.mu.Unlock()
			if ctx.Err() == nil && wasConnected {
				a.sink.HandleDisconnect(sourceName, err)
			}
			return
		}

		// A frame can carry several IRC lines.
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			a.handleLine(ctx, conn, line)
		}
	}
}

func (a *Adapter) handleLine(ctx context.Context, conn *websocket.Conn, line string) {
	if strings.HasPrefix(line, "PING") {
		if err := conn.Write(ctx, websocket.MessageText, []byte("PONG :tmi.twitch.tv")); err != nil {
			slog.Debug("twitch: pong failed", "error", err)
		}
		return
	}

	msg, ok := parseLine(line)
	if !ok || msg.Command != "PRIVMSG" || msg.Channel != a.channel {
		return
	}
	a.sink.HandleMessage(normalize(msg))
}

// ircMessage is one parsed IRC line.
type ircMessage struct {
	Tags     map[string]string
	Nick     string
	Command  string
	Channel  string
	Trailing string
}

// parseLine splits an IRC line into tags, prefix, command, channel and
// trailing text. Returns false for lines without a command.
func parseLine(line string) (ircMessage, bool) {
	msg := ircMessage{Tags: map[string]string{}}

	if strings.HasPrefix(line, "@") {
		idx := strings.Index(line, " ")
		if idx < 0 {
			return msg, false
		}
		for _, pair := range strings.Split(line[1:idx], ";") {
			if k, v, found := strings.Cut(pair, "="); found {
				msg.Tags[k] = v
			}
		}
		line = line[idx+1:]
	}

	if strings.HasPrefix(line, ":") {
		idx := strings.Index(line, " ")
		if idx < 0 {
			return msg, false
		}
		prefix := line[1:idx]
		if bang := strings.Index(prefix, "!"); bang > 0 {
			msg.Nick = prefix[:bang]
		} else {
			msg.Nick = prefix
		}
		line = line[idx+1:]
	}

	var trailing string
	if idx := strings.Index(line, " :"); idx >= 0 {
		trailing = line[idx+2:]
		line = line[:idx]
	}
	msg.Trailing = trailing

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return msg, false
	}
	msg.Command = parts[0]
	if len(parts) > 1 {
		msg.Channel = strings.TrimPrefix(parts[1], "#")
	}
	return msg, true
}

func normalize(msg ircMessage) bus.ChatMessage {
	id := msg.Tags["id"]
	if id == "" {
		id = uuid.NewString()
	}

	username := msg.Tags["display-name"]
	if username == "" {
		username = msg.Nick
	}

	ts := time.Now().UnixMilli()
	if raw := msg.Tags["tmi-sent-ts"]; raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ts = parsed
		}
	}

	badges := msg.Tags["badges"]
	return bus.ChatMessage{
		ID:         id,
		ShortID:    bus.NewShortID(),
		Platform:   bus.PlatformTwitch,
		Username:   username,
		Text:       msg.Trailing,
		ReceivedAt: ts,
		Meta: bus.ChatMeta{
			Moderator: msg.Tags["mod"] == "1" || strings.Contains(badges, "broadcaster/"),
			Member:    msg.Tags["subscriber"] == "1" || strings.Contains(badges, "subscriber/"),
		},
	}
}
