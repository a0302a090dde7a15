// Package session is the interactive console engine: it owns the session
// state, reads lines, and dispatches commands.
//
// All state is owned by the goroutine that calls Run. Blocking network calls
// go through the event loop's Await so that beep ticks and realtime callbacks
// keep printing while a command waits, and callbacks from other goroutines
// are posted to the loop instead of touching state directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/awarmack/supalab/internal/backend"
	"github.com/awarmack/supalab/internal/beep"
	"github.com/awarmack/supalab/internal/channels"
	"github.com/awarmack/supalab/internal/config"
	"github.com/awarmack/supalab/internal/eventloop"
	"github.com/awarmack/supalab/internal/line"
	"github.com/awarmack/supalab/internal/logging"
	"github.com/awarmack/supalab/internal/secrets"
	"github.com/awarmack/supalab/internal/tasks"
)

// ErrInterrupt is returned by a LineReader when the user interrupts input.
var ErrInterrupt = errors.New("interrupted")

// LineReader reads one line of input after showing prompt. It returns io.EOF
// at end of input and ErrInterrupt on Ctrl-C.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// PasswordReader reads a secret without echoing it.
type PasswordReader func(prompt string) (string, error)

// BackendFactory creates the backend for a project URL and API key.
type BackendFactory func(url, apiKey string) (backend.Backend, error)

// Options configures a Session.
type Options struct {
	Store   *config.Store
	Output  io.Writer
	Version string

	// NewBackend defaults to the Supabase client.
	NewBackend BackendFactory
	// ReadPassword is used when no password is configured or stored.
	ReadPassword PasswordReader
	// Secrets defaults to the platform secret store.
	Secrets secrets.SecretStore

	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session is one interactive console session.
type Session struct {
	id       string
	version  string
	out      io.Writer
	cfg      *config.Store
	settings config.Settings

	loop     *eventloop.Loop
	tasks    *tasks.Registry
	beeps    *beep.Scheduler
	channels *channels.Registry
	// bindings records the event bindings made on each joined channel.
	bindings map[backend.Channel]map[string]bool

	newBackend   BackendFactory
	backend      backend.Backend
	secrets      secrets.SecretStore
	readPassword PasswordReader
	in           LineReader

	logger *slog.Logger
	now    func() time.Time

	running       bool
	authenticated bool
	auth          *backend.AuthSession
	jwt           string
	claims        *backend.Claims

	commands    map[string]command
	experiments map[string]experiment
}

// New creates a session from opts.
func New(opts Options) *Session {
	s := &Session{
		id:           uuid.NewString(),
		version:      opts.Version,
		out:          opts.Output,
		cfg:          opts.Store,
		newBackend:   opts.NewBackend,
		secrets:      opts.Secrets,
		readPassword: opts.ReadPassword,
		logger:       opts.Logger,
		now:          opts.Now,
		tasks:        tasks.NewRegistry(),
		channels:     channels.NewRegistry(),
	}
	if s.cfg == nil {
		s.cfg = config.NewStore()
	}
	if s.out == nil {
		s.out = io.Discard
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.logger = logging.WithSession(s.logger, s.id)
	if s.now == nil {
		s.now = time.Now
	}
	if s.secrets == nil {
		s.secrets = secrets.Default()
	}
	if s.newBackend == nil {
		s.newBackend = func(url, apiKey string) (backend.Backend, error) {
			c, err := backend.New(url, apiKey,
				backend.WithLogger(logging.WithSession(logging.Auth(), s.id)),
				backend.WithSocketOptions(backend.WithSocketLogger(logging.WithSession(logging.Realtime(), s.id))))
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	s.settings = s.cfg.Settings()
	s.bindings = make(map[backend.Channel]map[string]bool)
	s.loop = eventloop.New(0, s.logger)
	s.beeps = beep.NewScheduler(s.loop, s.tasks, s.out, logging.WithSession(logging.Beep(), s.id))
	s.commands = s.commandTable()
	s.experiments = s.experimentTable()
	return s
}

// ID returns the session ID used to tag log records.
func (s *Session) ID() string {
	return s.id
}

// Running reports whether the session still accepts commands.
func (s *Session) Running() bool {
	return s.running
}

// Authenticated reports whether a user is signed in.
func (s *Session) Authenticated() bool {
	return s.authenticated
}

// Loop returns the session's event loop.
func (s *Session) Loop() *eventloop.Loop {
	return s.loop
}

// Start prints the banner and creates the backend from the configured URL
// and API key. A missing API key is reported but does not stop the session;
// commands that need the backend fail until one is configured.
func (s *Session) Start() {
	s.running = true
	if !s.settings.SuppressHeader {
		fmt.Fprintf(s.out, "\nSupabase Lab\n%s\n\n", s.version)
	}
	fmt.Fprintf(s.out, "Connecting to %s\n", s.settings.URL)
	if s.settings.APIKey == "" {
		s.errorf("No api_key configuration found.")
		return
	}
	b, err := s.newBackend(s.settings.URL, s.settings.APIKey)
	if err != nil {
		s.printError("connect", err)
		return
	}
	s.backend = b
	fmt.Fprintln(s.out, "Ready to login.")
}

// Prompt returns the prompt for the current authentication state.
func (s *Session) Prompt() string {
	if s.authenticated {
		return s.settings.Prompt
	}
	return s.settings.AuthPrompt
}

type readResult struct {
	line string
	err  error
}

// Run starts the session and reads commands from in until exit, end of input
// or ctx is done. Events posted to the loop are dispatched while waiting for
// input.
func (s *Session) Run(ctx context.Context, in LineReader) error {
	s.in = in
	if !s.running {
		s.Start()
	}
	defer s.loop.Close()

	lines := make(chan readResult, 1)
	for s.running {
		prompt := s.Prompt()
		go func() {
			l, err := in.ReadLine(prompt)
			lines <- readResult{line: l, err: err}
		}()

		var r readResult
	wait:
		for {
			select {
			case r = <-lines:
				break wait
			case fn := <-s.loop.Events():
				s.loop.Dispatch(fn)
			case <-ctx.Done():
				fmt.Fprintln(s.out)
				s.exit(context.WithoutCancel(ctx))
				return ctx.Err()
			}
		}

		if r.err != nil {
			if errors.Is(r.err, io.EOF) || errors.Is(r.err, ErrInterrupt) {
				fmt.Fprint(s.out, "\r")
				s.exit(ctx)
				return nil
			}
			s.exit(ctx)
			return fmt.Errorf("read input: %w", r.err)
		}

		s.Execute(ctx, r.line)
		s.checkSession()
	}
	return nil
}

// Execute substitutes config references in raw, parses it and runs the
// command. Errors and panics are reported on the output and never escape.
func (s *Session) Execute(ctx context.Context, raw string) {
	cmd, args := line.Parse(line.Substitute(raw, s.cfg.Get))
	if cmd == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Command panicked", "command", cmd, "panic", fmt.Sprint(r))
			s.errorf("%s: panic: %v", cmd, r)
		}
	}()

	c, ok := s.commands[cmd]
	if !ok {
		fmt.Fprintf(s.out, "%s?\n", cmd)
		s.printUsage()
		return
	}
	s.logger.Debug("Dispatching command", "command", cmd)
	if err := c.run(ctx, args); err != nil {
		s.printError(cmd, err)
	}
}

// Close stops every background activity and releases the backend without
// printing. It is safe to call after exit.
func (s *Session) Close(ctx context.Context) error {
	s.beeps.StopAll()
	var errs []error
	if s.backend != nil {
		if err := s.channels.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.authenticated {
			if err := s.backend.SignOut(ctx); err != nil {
				errs = append(errs, err)
			}
			s.clearAuth()
		}
		if err := s.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.loop.Close()
	return errors.Join(errs...)
}

// checkSession drops the authenticated state once the access token expired.
func (s *Session) checkSession() {
	if !s.authenticated || s.claims == nil {
		return
	}
	if s.claims.Expired(s.now()) {
		s.logger.Info("Access token expired", "expiry", s.claims.Expiry)
		s.clearAuth()
		s.infof("Session expired.")
	}
}

func (s *Session) clearAuth() {
	s.authenticated = false
	s.auth = nil
	s.jwt = ""
	s.claims = nil
}

// await runs op through the event loop and tracks it in the task registry.
func (s *Session) await(ctx context.Context, name string, op func(ctx context.Context) error) error {
	id := s.tasks.Register(name)
	defer s.tasks.Deregister(id)
	return s.loop.Await(ctx, op)
}

func (s *Session) errorf(format string, args ...any) {
	fmt.Fprintf(s.out, "<E> "+format+"\n", args...)
}

func (s *Session) infof(format string, args ...any) {
	fmt.Fprintf(s.out, "<i> "+format+"\n", args...)
}

func (s *Session) printError(where string, err error) {
	s.logger.Debug("Command failed", "where", where, "error", err)
	s.errorf("%s: %v", where, err)
}
