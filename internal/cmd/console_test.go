package cmd

import (
	"bufio"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/awarmack/supalab/internal/session"
)

var testCommands = []session.CommandInfo{
	{Name: "login", Description: "Sign in"},
	{Name: "logout", Description: "Sign out"},
	{Name: "exit", Description: "Leave"},
	{Name: "print", Args: "[text]", Description: "Print text"},
	{Name: "dev", Args: "<experiment> [args]", Description: "Experiments"},
	{Name: "debug", Args: "[filters...]", Description: "Show state"},
}

func TestMatchCommands(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		cursor      int
		wantMatches []string
	}{
		{
			name:        "empty input shows all commands",
			line:        "",
			cursor:      0,
			wantMatches: []string{"login", "logout", "exit", "print", "dev", "debug"},
		},
		{
			name:        "partial lo matches login and logout",
			line:        "lo",
			cursor:      2,
			wantMatches: []string{"login", "logout"},
		},
		{
			name:        "partial de matches dev and debug",
			line:        "de",
			cursor:      2,
			wantMatches: []string{"dev", "debug"},
		},
		{
			name:   "unknown command prefix returns no matches",
			line:   "xyz",
			cursor: 3,
		},
		{
			name:        "cursor in middle of line",
			line:        "print hello",
			cursor:      2, // cursor at "pr"
			wantMatches: []string{"print"},
		},
		{
			name:   "arguments are not completed",
			line:   "print he",
			cursor: 8,
		},
		{
			name:        "cursor beyond line length is handled",
			line:        "ex",
			cursor:      100,
			wantMatches: []string{"exit"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range matchCommands(testCommands, tt.line, tt.cursor) {
				got = append(got, c.Name)
			}
			if !reflect.DeepEqual(got, tt.wantMatches) {
				t.Errorf("matchCommands(%q, %d) = %v, want %v", tt.line, tt.cursor, got, tt.wantMatches)
			}
		})
	}
}

func TestCompleteInput(t *testing.T) {
	completions := completeInput(testCommands, "xyz", 3)
	if completions.PREFIX != "" {
		t.Errorf("expected no completions, got PREFIX=%q", completions.PREFIX)
	}
	// Completing a known prefix must not panic.
	_ = completeInput(testCommands, "lo", 2)
}

func TestScanReader(t *testing.T) {
	r := &scanReader{scanner: bufio.NewScanner(strings.NewReader("login\nprint hi\n"))}

	for _, want := range []string{"login", "print hi"} {
		got, err := r.ReadLine("> ")
		if err != nil || got != want {
			t.Fatalf("ReadLine() = %q, %v, want %q", got, err, want)
		}
	}
	if _, err := r.ReadLine("> "); !errors.Is(err, io.EOF) {
		t.Errorf("ReadLine() at end error = %v, want io.EOF", err)
	}
}
