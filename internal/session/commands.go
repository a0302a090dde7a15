package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/awarmack/supalab/internal/backend"
	"github.com/awarmack/supalab/internal/config"
	"github.com/awarmack/supalab/internal/secrets"
)

// itemIndent is the indentation step for nested output.
const itemIndent = "   "

type command struct {
	name        string
	args        string
	description string
	run         func(ctx context.Context, args string) error
}

// CommandInfo describes a top-level command for help and completion.
type CommandInfo struct {
	Name        string
	Args        string
	Description string
}

func (s *Session) commandList() []command {
	return []command{
		{"login", "", "Sign in with the configured or prompted credentials", s.login},
		{"logout", "", "Sign out of the current session", s.logout},
		{"exit", "", "Sign out and leave the console", func(ctx context.Context, _ string) error {
			s.exit(ctx)
			return nil
		}},
		{"print", "[text]", "Print text after config substitution", s.print},
		{"beep", "[interval [duration]] [message]", "Print a message periodically", s.beep},
		{"stop", "[id...]", "Stop beeps, all of them when no id is given", s.stop},
		{"debug", "[filters...]", "Show session state", s.debug},
		{"dev", "<experiment> [args]", "Run a developer experiment", s.dev},
		{"help", "", "Show this list", func(context.Context, string) error {
			s.printUsage()
			return nil
		}},
	}
}

func (s *Session) commandTable() map[string]command {
	table := make(map[string]command)
	for _, c := range s.commandList() {
		table[c.name] = c
	}
	return table
}

// Commands lists the top-level commands in help order.
func (s *Session) Commands() []CommandInfo {
	list := s.commandList()
	infos := make([]CommandInfo, len(list))
	for i, c := range list {
		infos[i] = CommandInfo{Name: c.name, Args: c.args, Description: c.description}
	}
	return infos
}

func (s *Session) printUsage() {
	for _, c := range s.commandList() {
		fmt.Fprintln(s.out, itemIndent+strings.TrimSpace(c.name+" "+c.args))
	}
}

func (s *Session) requireBackend() error {
	if s.backend == nil {
		return fmt.Errorf("%w: no api_key configuration found", backend.ErrMissingCredential)
	}
	return nil
}

// input reads a line from the session's reader while keeping the event
// loop running.
func (s *Session) input(ctx context.Context, prompt string) (string, error) {
	if s.in == nil {
		return "", errors.New("no input available")
	}
	var text string
	err := s.await(ctx, "input", func(context.Context) error {
		var err error
		text, err = s.in.ReadLine(prompt)
		return err
	})
	return strings.TrimSpace(text), err
}

func (s *Session) inputPassword(ctx context.Context, prompt string) (string, error) {
	if s.readPassword == nil {
		return s.input(ctx, prompt)
	}
	var text string
	err := s.await(ctx, "input", func(context.Context) error {
		var err error
		text, err = s.readPassword(prompt)
		return err
	})
	return text, err
}

func (s *Session) login(ctx context.Context, _ string) error {
	if err := s.requireBackend(); err != nil {
		return err
	}

	email, password := s.settings.Email, s.settings.Password
	prompted := false
	if email == "" || password == "" {
		var err error
		if email == "" {
			if email, err = s.input(ctx, "Email: "); err != nil {
				return err
			}
		}
		password = s.storedPassword(email)
		if password == "" {
			if password, err = s.inputPassword(ctx, "Password: "); err != nil {
				return err
			}
			prompted = true
		}
	}
	if email == "" || password == "" {
		fmt.Fprintln(s.out, "Invalid email or password.")
		return nil
	}

	fmt.Fprintln(s.out, "Logging in...")
	var auth *backend.AuthSession
	err := s.await(ctx, "login", func(ctx context.Context) error {
		var err error
		auth, err = s.backend.SignIn(ctx, email, password)
		return err
	})
	if err != nil {
		masked := config.MaskN(password, 8)
		return fmt.Errorf("sign in %s (%s): %w", email, masked, err)
	}

	s.auth = auth
	s.jwt = auth.AccessToken
	s.authenticated = true
	s.claims = nil
	if claims, err := backend.ParseClaims(s.jwt); err == nil {
		s.claims = claims
	} else {
		s.logger.Debug("Access token is not a readable JWT", "error", err)
	}
	s.logger.Info("Logged in", "email", email)

	fmt.Fprintf(s.out, "%s logged in.\n", email)
	if last := auth.User.LastSignInAt; !last.IsZero() {
		fmt.Fprintf(s.out, "Last login: %s\n", last.Local().Format("2006-01-02 15:04:05"))
	}

	if prompted && s.settings.Keychain && s.secrets.IsSupported() {
		if err := secrets.SetLoginPassword(s.secrets, email, password); err != nil {
			s.logger.Warn("Failed to save password", "error", err)
		}
	}
	return nil
}

// storedPassword returns the password saved for email, or "" when the
// keychain is disabled or holds none.
func (s *Session) storedPassword(email string) string {
	if !s.settings.Keychain || email == "" {
		return ""
	}
	password, err := secrets.LoginPassword(s.secrets, email)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) && !errors.Is(err, secrets.ErrNotSupported) {
			s.logger.Warn("Failed to read stored password", "error", err)
		}
		return ""
	}
	return password
}

func (s *Session) logout(ctx context.Context, _ string) error {
	if err := s.requireBackend(); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Logging out.")
	err := s.await(ctx, "logout", s.backend.SignOut)
	s.clearAuth()
	return err
}

// exit signs out when authenticated, releases channels and beeps, and stops
// the session. Failures are reported but never prevent the exit.
func (s *Session) exit(ctx context.Context) {
	s.beeps.StopAll()
	if s.backend != nil {
		if s.channels.Len() > 0 {
			if err := s.await(ctx, "unsubscribe", s.channels.Close); err != nil {
				s.printError("unsubscribe", err)
			}
			clear(s.bindings)
		}
		if s.authenticated {
			if err := s.logout(ctx, ""); err != nil {
				s.printError("logout", err)
			}
		}
	}
	fmt.Fprintln(s.out, "Bye.")
	s.running = false
}

func (s *Session) print(_ context.Context, args string) error {
	fmt.Fprintln(s.out, config.RestoreSpaces(args))
	return nil
}

func (s *Session) beep(ctx context.Context, args string) error {
	if first, rest, _ := strings.Cut(strings.TrimSpace(args), " "); first == "stop" {
		return s.stop(ctx, rest)
	}
	id, err := s.beeps.Start(args)
	if err != nil {
		return err
	}
	s.logger.Debug("Beep started", "id", id)
	return nil
}

func (s *Session) stop(_ context.Context, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		n := s.beeps.StopAll()
		s.logger.Debug("Stopped all beeps", "count", n)
		return nil
	}
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return fmt.Errorf("invalid beep id %q", f)
		}
		s.beeps.Stop(id)
	}
	return nil
}
