package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/awarmack/supalab/internal/appdir"
	"github.com/awarmack/supalab/internal/config"
	"github.com/awarmack/supalab/internal/logging"
	"github.com/awarmack/supalab/internal/session"
	"github.com/awarmack/supalab/internal/shutdown"
)

// closeTimeout bounds the final unsubscribe and sign-out.
const closeTimeout = 5 * time.Second

func runConsole(cmd *cobra.Command, args []string) error {
	logger := logging.Console()
	out := cmd.OutOrStdout()

	store := config.NewStore()
	result := store.Load(logging.ConfigLog(), appdir.ConfigFiles(args)...)
	for _, err := range result.Errors {
		fmt.Fprintf(out, "<E> %v\n", err)
	}
	logger.Debug("Configuration loaded", "files", result.Files, "keys", store.Len())

	opts := session.Options{
		Store:   store,
		Output:  out,
		Version: version,
		Logger:  logger,
	}

	var reader session.LineReader
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		opts.ReadPassword = terminalPassword(fd, out)
	} else {
		// Piped input: read plain lines and take passwords from the same stream.
		reader = &scanReader{scanner: bufio.NewScanner(os.Stdin)}
	}

	s := session.New(opts)
	if reader == nil {
		reader = newShellReader(s.Commands())
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	runDone := make(chan struct{})
	mgr := shutdown.NewManager()
	mgr.AddCleanup(func(reason string) {
		cancel()
		<-runDone
	})
	mgr.AddCleanup(func(reason string) {
		closeCtx, stop := context.WithTimeout(context.Background(), closeTimeout)
		defer stop()
		if err := s.Close(closeCtx); err != nil {
			logger.Warn("Session cleanup failed", "reason", reason, "error", err)
		}
	})
	mgr.SetTerminate(func() {
		_ = logging.Close()
	})
	mgr.Start()

	err := s.Run(ctx, reader)
	close(runDone)
	mgr.Shutdown("exit")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shellReader reads lines with an interactive readline shell.
type shellReader struct {
	rl *readline.Shell

	mu     sync.Mutex
	prompt string
}

func newShellReader(commands []session.CommandInfo) *shellReader {
	r := &shellReader{rl: readline.NewShell()}
	r.rl.Prompt.Primary(func() string {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.prompt
	})

	// Set up history
	history := readline.NewInMemoryHistory()
	r.rl.History.Add("default", history)

	// Tab completes command names
	r.rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(commands, string(line), cursor)
	}
	return r
}

func (r *shellReader) ReadLine(prompt string) (string, error) {
	r.mu.Lock()
	r.prompt = prompt
	r.mu.Unlock()

	line, err := r.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", session.ErrInterrupt
	}
	return line, err
}

// scanReader reads lines from a non-interactive stream. Prompts are not shown.
type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) ReadLine(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// terminalPassword returns a reader that prompts on out and reads from the
// terminal without echo.
func terminalPassword(fd int, out io.Writer) session.PasswordReader {
	return func(prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
}

// matchCommands returns the commands whose name starts with the word under
// the cursor. Only the first word of a line is completed.
func matchCommands(commands []session.CommandInfo, line string, cursor int) []session.CommandInfo {
	// Get the text up to the cursor position
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]
	if strings.ContainsAny(text, " \t") {
		return nil
	}

	var matches []session.CommandInfo
	for _, c := range commands {
		if strings.HasPrefix(c.Name, text) {
			matches = append(matches, c)
		}
	}
	return matches
}

// completeInput provides tab completion for the console input.
func completeInput(commands []session.CommandInfo, line string, cursor int) readline.Completions {
	matches := matchCommands(commands, line, cursor)
	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Build value-description pairs for CompleteValuesDescribed
	// Format: value1, desc1, value2, desc2, ...
	pairs := make([]string, 0, len(matches)*2)
	for _, m := range matches {
		pairs = append(pairs, m.Name, m.Description)
	}
	return readline.CompleteValuesDescribed(pairs...).Tag("commands")
}
