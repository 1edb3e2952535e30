// Package discord implements the panel.Sink interface against the Discord
// REST API, with a gateway websocket feeding reaction and command events.
//
// Panels are plain channel messages tagged with a small subtext footer
// carrying the panel label, which is how Lookup re-adopts them across
// restarts without local persistence.
package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmalyugin/serverwatch/internal/panel"
)

// adminCacheTTL bounds how long a member's admin check result is reused.
const adminCacheTTL = 5 * time.Minute

// Options configures the Discord sink.
type Options struct {
	Token      string
	ChannelID  string
	AdminRole  string
	APIBase    string
	GatewayURL string
}

// Sink is a Discord-backed panel sink. Safe for concurrent use.
type Sink struct {
	http *http.Client
	opts Options

	events   chan panel.Event
	commands chan panel.Command

	mu        sync.Mutex
	botUserID string
	guildID   string
	labels    map[panel.Handle]string
	dmCache   map[string]string

	adminCache sync.Map // actorID -> adminEntry
}

type adminEntry struct {
	admin   bool
	checked time.Time
}

// New creates a Discord sink. Run must be started for events to flow.
func New(opts Options) *Sink {
	return &Sink{
		http:     &http.Client{Timeout: 10 * time.Second},
		opts:     opts,
		events:   make(chan panel.Event, 64),
		commands: make(chan panel.Command, 64),
		labels:   make(map[panel.Handle]string),
		dmCache:  make(map[string]string),
	}
}

// Events returns the affordance trigger channel.
func (s *Sink) Events() <-chan panel.Event { return s.events }

// Commands returns the user command channel.
func (s *Sink) Commands() <-chan panel.Command { return s.commands }

type message struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
}

// footerTag is the label marker appended to every panel message.
func footerTag(label string) string {
	return "-# ⌁ " + label
}

func tagged(label, content string) string {
	return strings.TrimRight(content, "\n") + "\n" + footerTag(label)
}

// Create publishes a labeled message in the configured channel.
func (s *Sink) Create(label, content string) (panel.Handle, error) {
	var msg message
	err := s.do(http.MethodPost,
		fmt.Sprintf("/channels/%s/messages", s.opts.ChannelID),
		map[string]any{"content": tagged(label, content)},
		&msg)
	if err != nil {
		return "", err
	}

	handle := panel.Handle(msg.ID)
	s.mu.Lock()
	s.labels[handle] = label
	s.mu.Unlock()

	return handle, nil
}

// Edit replaces a message's content, preserving its label footer.
func (s *Sink) Edit(handle panel.Handle, content string) error {
	s.mu.Lock()
	label := s.labels[handle]
	s.mu.Unlock()

	if label != "" {
		content = tagged(label, content)
	}

	return s.do(http.MethodPatch,
		fmt.Sprintf("/channels/%s/messages/%s", s.opts.ChannelID, handle),
		map[string]any{"content": content},
		nil)
}

// Delete removes a message.
func (s *Sink) Delete(handle panel.Handle) error {
	err := s.do(http.MethodDelete,
		fmt.Sprintf("/channels/%s/messages/%s", s.opts.ChannelID, handle),
		nil, nil)
	if err == nil {
		s.mu.Lock()
		delete(s.labels, handle)
		s.mu.Unlock()
	}

	return err
}

// SetAffordances clears all reactions and reattaches the desired set in
// order. Discord has no atomic partial reaction edit, so replacement is
// wholesale.
func (s *Sink) SetAffordances(handle panel.Handle, affordances []panel.Affordance) error {
	base := fmt.Sprintf("/channels/%s/messages/%s/reactions", s.opts.ChannelID, handle)

	if err := s.do(http.MethodDelete, base, nil, nil); err != nil {
		return err
	}

	for _, a := range affordances {
		path := base + "/" + url.PathEscape(a.Label) + "/@me"
		if err := s.do(http.MethodPut, path, nil, nil); err != nil {
			return fmt.Errorf("attach %q: %w", a.Label, err)
		}
	}

	return nil
}

// Lookup scans recent channel messages for the newest one authored by this
// bot carrying the label footer.
func (s *Sink) Lookup(label string) (panel.Handle, error) {
	botID, err := s.selfID()
	if err != nil {
		return "", err
	}

	var msgs []message
	err = s.do(http.MethodGet,
		fmt.Sprintf("/channels/%s/messages?limit=100", s.opts.ChannelID),
		nil, &msgs)
	if err != nil {
		return "", err
	}

	tag := footerTag(label)
	for _, m := range msgs { // newest first
		if m.Author.ID != botID {
			continue
		}
		if strings.HasSuffix(strings.TrimRight(m.Content, "\n"), tag) {
			handle := panel.Handle(m.ID)
			s.mu.Lock()
			s.labels[handle] = label
			s.mu.Unlock()
			return handle, nil
		}
	}

	return "", panel.ErrNotFound
}

// Notify opens (or reuses) a DM channel to the identity and sends text.
func (s *Sink) Notify(identity, text string) error {
	s.mu.Lock()
	channelID := s.dmCache[identity]
	s.mu.Unlock()

	if channelID == "" {
		var dm struct {
			ID string `json:"id"`
		}
		err := s.do(http.MethodPost, "/users/@me/channels",
			map[string]any{"recipient_id": identity}, &dm)
		if err != nil {
			return err
		}

		channelID = dm.ID
		s.mu.Lock()
		s.dmCache[identity] = channelID
		s.mu.Unlock()
	}

	return s.do(http.MethodPost,
		fmt.Sprintf("/channels/%s/messages", channelID),
		map[string]any{"content": text},
		nil)
}

// IsAdmin reports whether the actor carries the configured admin role in
// the panel channel's guild. Results are cached briefly.
func (s *Sink) IsAdmin(actorID string) bool {
	if s.opts.AdminRole == "" {
		return false
	}

	if v, ok := s.adminCache.Load(actorID); ok {
		entry := v.(adminEntry)
		if time.Since(entry.checked) < adminCacheTTL {
			return entry.admin
		}
	}

	guildID, err := s.guild()
	if err != nil {
		log.Warn().Err(err).Msg("Guild lookup failed")
		return false
	}

	var member struct {
		Roles []string `json:"roles"`
	}
	err = s.do(http.MethodGet,
		fmt.Sprintf("/guilds/%s/members/%s", guildID, actorID),
		nil, &member)
	if err != nil {
		log.Warn().Err(err).Str("actor", actorID).Msg("Member lookup failed")
		return false
	}

	admin := false
	for _, role := range member.Roles {
		if role == s.opts.AdminRole {
			admin = true
			break
		}
	}

	s.adminCache.Store(actorID, adminEntry{admin: admin, checked: time.Now()})
	return admin
}

// selfID returns the bot's own user id, fetched once.
func (s *Sink) selfID() (string, error) {
	s.mu.Lock()
	id := s.botUserID
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var me struct {
		ID string `json:"id"`
	}
	if err := s.do(http.MethodGet, "/users/@me", nil, &me); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.botUserID = me.ID
	s.mu.Unlock()

	return me.ID, nil
}

// guild returns the guild id of the panel channel, fetched once.
func (s *Sink) guild() (string, error) {
	s.mu.Lock()
	id := s.guildID
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var ch struct {
		GuildID string `json:"guild_id"`
	}
	err := s.do(http.MethodGet, "/channels/"+s.opts.ChannelID, nil, &ch)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.guildID = ch.GuildID
	s.mu.Unlock()

	return ch.GuildID, nil
}

// do performs one REST call. A 404 maps to panel.ErrNotFound; a 429 is
// retried after the advertised delay.
func (s *Sink) do(method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, s.opts.APIBase+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+s.opts.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return panel.ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		var rl struct {
			RetryAfter float64 `json:"retry_after"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&rl)
		_ = resp.Body.Close()

		time.Sleep(time.Duration(rl.RetryAfter * float64(time.Second)))
		return s.do(method, path, body, out)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord: %s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}

	return nil
}
