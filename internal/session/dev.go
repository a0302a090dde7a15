package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/awarmack/supalab/internal/backend"
	"github.com/awarmack/supalab/internal/channels"
	"github.com/awarmack/supalab/internal/config"
	"github.com/awarmack/supalab/internal/line"
)

type experiment struct {
	name    string
	aliases []string
	args    string
	run     func(ctx context.Context, args string) error
}

func (s *Session) experimentList() []experiment {
	return []experiment{
		{name: "explore", args: "[path...]", run: s.devExplore},
		{name: "beep", args: "[interval [duration]] [message]", run: s.beep},
		{name: "edge", args: "<function> [payload]", run: s.devEdge},
		{name: "subscribe", aliases: []string{"sub"}, args: "<channel>", run: s.devSubscribe},
		{name: "unsubscribe", aliases: []string{"unsub"}, args: "<channel>", run: s.devUnsubscribe},
		{name: "listchannels", aliases: []string{"lschan"}, run: s.devListChannels},
		{name: "listenchan", aliases: []string{"lchan"}, args: "<channel> [event]", run: s.devListenChannel},
		{name: "sendchan", aliases: []string{"schan"}, args: "<channel> [event] <message>", run: s.devSendChannel},
		{name: "listendb", aliases: []string{"ldb"}, args: "<table> [schema] [event] [filter]", run: s.devListenDB},
		{name: "listenpresence", aliases: []string{"lpres"}, args: "<channel>", run: s.devListenPresence},
		{name: "track", args: "<channel> [state]", run: s.devTrack},
		{name: "untrack", args: "<channel>", run: s.devUntrack},
		{name: "claims", run: s.devClaims},
		{name: "verify", run: s.devVerify},
		{name: "ping", args: "[args]", run: func(_ context.Context, args string) error {
			fmt.Fprintln(s.out, strings.TrimSpace("ping "+config.RestoreSpaces(args)))
			return nil
		}},
	}
}

func (s *Session) experimentTable() map[string]experiment {
	table := make(map[string]experiment)
	for _, e := range s.experimentList() {
		table[e.name] = e
		for _, a := range e.aliases {
			table[a] = e
		}
	}
	return table
}

// dev runs one developer experiment.
func (s *Session) dev(ctx context.Context, args string) error {
	name, rest := line.Parse(args)
	if name == "" {
		fmt.Fprintln(s.out, "dev?")
		for _, e := range s.experimentList() {
			names := strings.Join(append([]string{e.name}, e.aliases...), "|")
			fmt.Fprintln(s.out, itemIndent+strings.TrimSpace(names+" "+e.args))
		}
		return nil
	}
	e, ok := s.experiments[name]
	if !ok {
		fmt.Fprintf(s.out, "%s?\n", name)
		return nil
	}
	return e.run(ctx, rest)
}

// devExplore walks the sign-in response along the given keys and list
// indices and prints what it finds.
func (s *Session) devExplore(_ context.Context, args string) error {
	if !s.authenticated || s.auth == nil {
		fmt.Fprintln(s.out, "login?")
		return nil
	}
	var node any = s.auth.Raw
	key := ""
	for _, step := range line.Split(args) {
		step = config.RestoreSpaces(step)
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[step]
			if !ok {
				fmt.Fprintf(s.out, "%s?\n", step)
				return nil
			}
			node = v
		case []any:
			i, err := strconv.Atoi(step)
			if err != nil || i < 0 || i >= len(n) {
				fmt.Fprintf(s.out, "%s?\n", step)
				return nil
			}
			node = n[i]
		default:
			fmt.Fprintf(s.out, "%s?\n", step)
			return nil
		}
		key = step
	}

	switch node.(type) {
	case map[string]any, []any:
		s.printItem(node, itemIndent)
	default:
		text := scalar(node)
		if config.IsSecretKey(key) {
			text = config.Mask(text)
		}
		fmt.Fprintln(s.out, itemIndent+text)
	}
	return nil
}

// parseLiteral reads a payload literal such as {'a': 1, "b": [2, 3]}. Any
// YAML flow value is accepted; empty or unparsable input yields an empty
// object.
func (s *Session) parseLiteral(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		s.logger.Debug("Payload is not a literal, sending {}", "payload", raw, "error", err)
		return map[string]any{}
	}
	return v
}

func (s *Session) devEdge(ctx context.Context, args string) error {
	if err := s.requireBackend(); err != nil {
		return err
	}
	fn, raw := line.Parse(args)
	if fn == "" {
		return errors.New("usage: dev edge <function> [payload]")
	}
	payload := s.parseLiteral(config.RestoreSpaces(raw))
	url := s.backend.URL() + "/functions/v1/" + fn

	var resp *backend.Response
	err := s.await(ctx, "edge "+fn, func(ctx context.Context) error {
		var err error
		resp, err = s.backend.Post(ctx, url, payload, nil)
		return err
	})
	if resp != nil && (s.settings.Verbose || err != nil) {
		s.showResponse(resp)
	}
	if err != nil {
		return err
	}
	if !s.settings.Verbose {
		s.showBody(resp)
	}
	return nil
}

func (s *Session) showResponse(resp *backend.Response) {
	fmt.Fprintf(s.out, "%s %s\n", resp.Method, resp.URL)
	s.showHeaders(resp.RequestHeaders)
	if len(resp.RequestBody) > 0 {
		fmt.Fprintf(s.out, "%s%s\n", itemIndent, resp.RequestBody)
	}
	fmt.Fprintf(s.out, "%s (%s)\n", resp.Status, resp.Elapsed.Round(time.Millisecond))
	s.showHeaders(resp.Header)
	s.showBody(resp)
}

func (s *Session) showHeaders(h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.Join(h[k], ", ")
		if k == "Authorization" || k == "Apikey" {
			v = config.MaskN(v, 8)
		}
		fmt.Fprintf(s.out, "%s%s: %s\n", itemIndent, k, v)
	}
}

func (s *Session) showBody(resp *backend.Response) {
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var buf bytes.Buffer
		if err := json.Indent(&buf, resp.Body, "", "  "); err == nil {
			fmt.Fprintln(s.out, buf.String())
			return
		}
	}
	if contentType != "" {
		fmt.Fprintln(s.out, contentType)
	}
	fmt.Fprintln(s.out, string(resp.Body))
}

// subscribe joins the named channel unless it is already bound. bind is
// applied to a newly created channel before it joins. The returned bool
// reports whether this call opened the channel.
func (s *Session) subscribe(ctx context.Context, name string, bind func(backend.Channel)) (backend.Channel, bool, error) {
	if err := s.requireBackend(); err != nil {
		return nil, false, err
	}
	if name == "" {
		return nil, false, errors.New("channel name required")
	}

	opts := backend.ChannelOptions{
		BroadcastSelf: s.settings.BroadcastSelf,
		PresenceKey:   s.settings.PresenceKey,
	}
	var (
		h      channels.Handle
		opened bool
	)
	err := s.await(ctx, "subscribe "+name, func(ctx context.Context) error {
		handle, ok, err := s.channels.Subscribe(ctx, name, func(ctx context.Context) (channels.Handle, error) {
			ch := s.backend.Channel(name, opts)
			if bind != nil {
				bind(ch)
			}
			if err := ch.Subscribe(ctx, s.statusFunc(name, ch)); err != nil {
				return nil, err
			}
			return ch, nil
		})
		h, opened = handle, ok
		return err
	})
	if err != nil {
		return nil, false, err
	}
	ch, ok := h.(backend.Channel)
	if !ok {
		return nil, false, fmt.Errorf("channel %s: unexpected handle %T", name, h)
	}
	return ch, opened, nil
}

// bound returns the subscribed channel registered under name.
func (s *Session) bound(name string) (backend.Channel, error) {
	h, ok := s.channels.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotSubscribed, name)
	}
	ch, ok := h.(backend.Channel)
	if !ok {
		return nil, fmt.Errorf("channel %s: unexpected handle %T", name, h)
	}
	return ch, nil
}

// statusFunc hands status changes of ch over to the event loop.
func (s *Session) statusFunc(name string, ch backend.Channel) backend.StatusFunc {
	return func(status backend.Status, err error) {
		s.loop.Post(func() {
			if err != nil {
				s.infof("channel %s: %s: %v", name, status, err)
			} else {
				s.infof("channel %s: %s", name, status)
			}
			if status == backend.StatusClosed {
				s.channels.Remove(name, ch)
				delete(s.bindings, ch)
			}
		})
	}
}

// markBinding records a binding of kind and event on ch. It reports false
// if the same binding was already made, so each event prints at most once.
func (s *Session) markBinding(ch backend.Channel, kind backend.EventKind, event string) bool {
	key := string(kind) + ":" + event
	set := s.bindings[ch]
	if set == nil {
		set = make(map[string]bool)
		s.bindings[ch] = set
	}
	if set[key] {
		return false
	}
	set[key] = true
	return true
}

// onEvent hands an incoming realtime event over to the event loop.
func (s *Session) onEvent(e backend.Event) {
	s.loop.Post(func() {
		fmt.Fprintf(s.out, "%s %s %s: %s\n", e.Channel, e.Kind, e.Event, e.Payload)
	})
}

func firstArg(args string) string {
	if toks := line.Split(args); len(toks) > 0 {
		return config.RestoreSpaces(toks[0])
	}
	return ""
}

func (s *Session) devSubscribe(ctx context.Context, args string) error {
	_, _, err := s.subscribe(ctx, firstArg(args), nil)
	return err
}

func (s *Session) devUnsubscribe(ctx context.Context, args string) error {
	name := firstArg(args)
	if name == "" {
		return errors.New("channel name required")
	}
	h, _ := s.channels.Get(name)
	err := s.await(ctx, "unsubscribe "+name, func(ctx context.Context) error {
		_, err := s.channels.Unsubscribe(ctx, name)
		return err
	})
	if err != nil {
		return err
	}
	if ch, ok := h.(backend.Channel); ok {
		delete(s.bindings, ch)
	}
	return nil
}

func (s *Session) devListChannels(context.Context, string) error {
	names := s.channels.List()
	pending := s.channels.Pending()
	if len(names) == 0 && len(pending) == 0 {
		fmt.Fprintln(s.out, "No channels.")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(s.out, itemIndent+name)
	}
	for _, name := range pending {
		fmt.Fprintf(s.out, "%s%s (joining)\n", itemIndent, name)
	}
	return nil
}

func (s *Session) devListenChannel(ctx context.Context, args string) error {
	toks := line.Split(args)
	if len(toks) == 0 {
		return errors.New("usage: dev lchan <channel> [event]")
	}
	event := "test"
	if len(toks) > 1 {
		event = toks[1]
	}
	bind := func(ch backend.Channel) {
		ch.On(backend.KindBroadcast, backend.Filter{Event: event}, s.onEvent)
	}
	ch, opened, err := s.subscribe(ctx, config.RestoreSpaces(toks[0]), bind)
	if err != nil {
		return err
	}
	if s.markBinding(ch, backend.KindBroadcast, event) && !opened {
		bind(ch)
	}
	return nil
}

func (s *Session) devSendChannel(ctx context.Context, args string) error {
	if err := s.requireBackend(); err != nil {
		return err
	}
	toks := line.Split(args)
	if len(toks) < 2 {
		return errors.New("usage: dev schan <channel> [event] <message>")
	}
	name := config.RestoreSpaces(toks[0])
	event := "test"
	if len(toks) > 2 {
		event = toks[1]
	}
	payload := map[string]any{"message": config.RestoreSpaces(toks[len(toks)-1])}

	if ch, err := s.bound(name); err == nil {
		return s.await(ctx, "send "+name, func(ctx context.Context) error {
			return ch.Send(ctx, event, payload)
		})
	}
	return s.await(ctx, "broadcast "+name, func(ctx context.Context) error {
		return s.backend.Broadcast(ctx, name, event, payload)
	})
}

func (s *Session) devListenDB(ctx context.Context, args string) error {
	toks := line.Split(args)
	if len(toks) == 0 {
		return errors.New("usage: dev ldb <table> [schema] [event] [filter]")
	}
	filter := backend.Filter{Table: toks[0], Schema: "public", Event: "*"}
	if len(toks) > 1 {
		filter.Schema = toks[1]
	}
	if len(toks) > 2 {
		filter.Event = strings.ToUpper(toks[2])
	}
	if len(toks) > 3 {
		filter.Filter = config.RestoreSpaces(strings.Join(toks[3:], " "))
	}

	name := "db:" + filter.Schema + "." + filter.Table
	_, opened, err := s.subscribe(ctx, name, func(ch backend.Channel) {
		ch.On(backend.KindPostgresChanges, filter, s.onEvent)
	})
	if err != nil {
		return err
	}
	if !opened {
		s.infof("%s is already subscribed; unsubscribe it to change the filter.", name)
	}
	return nil
}

func (s *Session) devListenPresence(ctx context.Context, args string) error {
	bind := func(ch backend.Channel) {
		ch.On(backend.KindPresence, backend.Filter{}, s.onEvent)
	}
	ch, opened, err := s.subscribe(ctx, firstArg(args), bind)
	if err != nil {
		return err
	}
	if s.markBinding(ch, backend.KindPresence, "") && !opened {
		bind(ch)
	}
	return nil
}

func (s *Session) devTrack(ctx context.Context, args string) error {
	name, raw := line.Parse(args)
	ch, err := s.bound(config.RestoreSpaces(name))
	if err != nil {
		return err
	}
	raw = config.RestoreSpaces(raw)
	var state map[string]any
	switch v := s.parseLiteral(raw).(type) {
	case map[string]any:
		state = v
	default:
		state = map[string]any{"status": raw}
	}
	if len(state) == 0 {
		state = map[string]any{"online_at": s.now().UTC().Format(time.RFC3339)}
	}
	return s.await(ctx, "track "+ch.Name(), func(ctx context.Context) error {
		return ch.Track(ctx, state)
	})
}

func (s *Session) devUntrack(ctx context.Context, args string) error {
	ch, err := s.bound(firstArg(args))
	if err != nil {
		return err
	}
	return s.await(ctx, "untrack "+ch.Name(), ch.Untrack)
}

func (s *Session) devClaims(context.Context, string) error {
	if s.jwt == "" {
		fmt.Fprintln(s.out, "login?")
		return nil
	}
	claims, err := backend.ParseClaims(s.jwt)
	if err != nil {
		return err
	}
	s.printItem(claims.Raw, itemIndent)
	if !claims.Expiry.IsZero() {
		left := claims.Expiry.Sub(s.now()).Round(time.Second)
		fmt.Fprintf(s.out, "%sexpires %s (in %s)\n", itemIndent, claims.Expiry.Local().Format("2006-01-02 15:04:05"), left)
	}
	return nil
}

func (s *Session) devVerify(ctx context.Context, _ string) error {
	if s.jwt == "" {
		fmt.Fprintln(s.out, "login?")
		return nil
	}
	var payload []byte
	token, jwks := s.jwt, s.backend.JWKSURL()
	err := s.await(ctx, "verify", func(ctx context.Context) error {
		var err error
		payload, err = backend.VerifyToken(ctx, jwks, token)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Signature verified.")
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err == nil {
		s.printItem(claims, itemIndent)
	}
	return nil
}
