package discord

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kmalyugin/serverwatch/internal/panel"
)

// Gateway opcodes used here.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Identify intents: guilds, guild messages, guild message reactions,
// direct messages, message content.
const gatewayIntents = (1 << 0) | (1 << 9) | (1 << 10) | (1 << 12) | (1 << 15)

const reconnectBackoff = 5 * time.Second

type gatewayFrame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Run connects to the gateway and feeds reaction and command events into
// the sink channels until the context is canceled. Connection loss is not
// fatal; the loop redials after a fixed backoff.
func (s *Sink) Run(ctx context.Context) error {
	for {
		if err := s.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("Gateway session ended, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *Sink) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.opts.GatewayURL, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	// Hello carries the heartbeat interval.
	var hello gatewayFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return err
	}
	if hello.Op != opHello {
		return websocket.ErrBadHandshake
	}

	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return err
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   s.opts.Token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "serverwatch",
				"device":  "serverwatch",
			},
		},
	}
	if err := conn.WriteJSON(identify); err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastSeq int64
	heartbeats := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
	defer heartbeats.Stop()

	writes := make(chan any, 8)
	go func() {
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-heartbeats.C:
				writes <- map[string]any{"op": opHeartbeat, "d": lastSeq}
			case frame := <-writes:
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if sessionCtx.Err() != nil {
			return sessionCtx.Err()
		}

		if frame.S != nil {
			lastSeq = *frame.S
		}

		switch frame.Op {
		case opDispatch:
			s.dispatch(frame.T, frame.D)
		case opHeartbeat:
			writes <- map[string]any{"op": opHeartbeat, "d": lastSeq}
		case opReconnect, opInvalidSession:
			return nil // redial
		case opHeartbeatAck:
		}
	}
}

func (s *Sink) dispatch(event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
		}
		if err := json.Unmarshal(data, &ready); err == nil {
			s.mu.Lock()
			s.botUserID = ready.User.ID
			s.mu.Unlock()
			log.Info().Str("user", ready.User.ID).Msg("Gateway connected")
		}

	case "MESSAGE_REACTION_ADD":
		s.onReaction(data)

	case "MESSAGE_CREATE":
		s.onMessage(data)
	}
}

func (s *Sink) onReaction(data json.RawMessage) {
	var ev struct {
		UserID    string `json:"user_id"`
		ChannelID string `json:"channel_id"`
		MessageID string `json:"message_id"`
		Emoji     struct {
			Name string `json:"name"`
		} `json:"emoji"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	s.mu.Lock()
	self := s.botUserID
	s.mu.Unlock()
	if ev.UserID == self {
		return
	}

	s.emitEvent(ev.MessageID, ev.Emoji.Name, ev.UserID)
}

func (s *Sink) onMessage(data json.RawMessage) {
	var msg struct {
		Content string `json:"content"`
		Author  struct {
			ID  string `json:"id"`
			Bot bool   `json:"bot"`
		} `json:"author"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if msg.Author.Bot || !strings.HasPrefix(msg.Content, "!") {
		return
	}

	verb, arg, _ := strings.Cut(strings.TrimPrefix(msg.Content, "!"), " ")
	verb = strings.TrimSpace(verb)
	if verb == "" {
		return
	}

	select {
	case s.commands <- panel.Command{ActorID: msg.Author.ID, Verb: verb, Arg: strings.TrimSpace(arg)}:
	default:
		log.Warn().Msg("Command queue full, dropping command")
	}
}

func (s *Sink) emitEvent(messageID, affordanceID, actorID string) {
	ev := panel.Event{
		Handle:       panel.Handle(messageID),
		AffordanceID: affordanceID,
		ActorID:      actorID,
	}

	select {
	case s.events <- ev:
	default:
		log.Warn().Msg("Event queue full, dropping trigger")
	}
}
