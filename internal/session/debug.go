package session

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/awarmack/supalab/internal/config"
)

type debugField struct {
	names []string
	// explicit fields are only shown when named in the filter.
	explicit bool
	show     func()
}

func (s *Session) debugFields() []debugField {
	return []debugField{
		{names: []string{"url"}, show: func() { s.printValue("url", s.settings.URL) }},
		{names: []string{"api_key"}, show: func() { s.printValue("api_key", orNone(s.settings.APIKey)) }},
		{names: []string{"email"}, show: func() { s.printValue("email", orNone(s.settings.Email)) }},
		{names: []string{"jwt_token", "jwt"}, show: func() { s.printValue("jwt_token", orNone(s.jwt)) }},
		{names: []string{"running"}, show: func() { s.printValue("running", s.running) }},
		{names: []string{"authenticated"}, show: func() { s.printValue("authenticated", s.authenticated) }},
		{names: []string{"config"}, show: s.showConfig},
		{names: []string{"tasks"}, explicit: true, show: s.showTasks},
		{names: []string{"beeps"}, explicit: true, show: s.showBeeps},
		{names: []string{"channels"}, explicit: true, show: s.showChannels},
		{names: []string{"goroutines", "threads"}, explicit: true, show: func() {
			s.printValue("goroutines", runtime.NumGoroutine())
		}},
	}
}

// debug prints session state. Without filters the default fields are shown;
// each filter names one field, in any order.
func (s *Session) debug(_ context.Context, args string) error {
	fields := s.debugFields()
	filters := strings.Fields(args)
	if len(filters) == 0 {
		for _, f := range fields {
			if !f.explicit {
				f.show()
			}
		}
		return nil
	}

	byName := make(map[string]debugField)
	for _, f := range fields {
		for _, n := range f.names {
			byName[n] = f
		}
	}
	for _, name := range filters {
		f, ok := byName[name]
		if !ok {
			fmt.Fprintf(s.out, "%s?\n", name)
			continue
		}
		f.show()
	}
	return nil
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

func (s *Session) printValue(key string, v any) {
	fmt.Fprintf(s.out, "%s = %v\n", key, v)
}

func (s *Session) showConfig() {
	fmt.Fprintln(s.out, "config:")
	values := make(map[string]any, s.cfg.Len())
	for _, k := range s.cfg.Keys() {
		v, _ := s.cfg.Get(k)
		values[k] = config.RestoreSpaces(v.String())
	}
	s.printItem(values, itemIndent)
}

func (s *Session) showTasks() {
	fmt.Fprintln(s.out, "tasks:")
	for _, r := range s.tasks.List() {
		fmt.Fprintln(s.out, itemIndent+r.String())
	}
}

func (s *Session) showBeeps() {
	fmt.Fprintln(s.out, "beeps:")
	for _, b := range s.beeps.List() {
		fmt.Fprintf(s.out, "%s%d %s every %s for %s, %d sent: %s\n",
			itemIndent, b.ID, b.State, b.Spec.Interval, b.Spec.Duration, b.Seq, b.Spec.Message)
	}
}

func (s *Session) showChannels() {
	fmt.Fprintln(s.out, "channels:")
	for _, name := range s.channels.List() {
		fmt.Fprintln(s.out, itemIndent+name)
	}
	for _, name := range s.channels.Pending() {
		fmt.Fprintf(s.out, "%s%s (joining)\n", itemIndent, name)
	}
}

// printItem prints nested maps and lists one entry per line, indenting each
// level. Values under password keys are masked.
func (s *Session) printItem(v any, indent string) {
	switch v := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.printEntry(k, v[k], indent)
		}
	case []any:
		for i, e := range v {
			s.printEntry(strconv.Itoa(i), e, indent)
		}
	default:
		fmt.Fprintf(s.out, "%s%s\n", indent, scalar(v))
	}
}

func (s *Session) printEntry(key string, v any, indent string) {
	switch v.(type) {
	case map[string]any, []any:
		fmt.Fprintf(s.out, "%s%s:\n", indent, key)
		s.printItem(v, indent+itemIndent)
	default:
		text := scalar(v)
		if config.IsSecretKey(key) {
			text = config.Mask(text)
		}
		fmt.Fprintf(s.out, "%s%s = %s\n", indent, key, text)
	}
}

func scalar(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
