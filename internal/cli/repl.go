package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
)

// lineReader is the input side of the shell.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// linerReader reads from a terminal with line editing and history.
type linerReader struct {
	state   *liner.State
	history string
}

func newLinerReader(history string) *linerReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetCompleter(complete)

	if history != "" {
		if f, err := os.Open(history); err == nil { //nolint:gosec // user-controlled history path
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}
	}

	return &linerReader{state: state, history: history}
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}

	return line, err
}

func (r *linerReader) AppendHistory(line string) { r.state.AppendHistory(line) }

// Close saves history and restores the terminal.
func (r *linerReader) Close() error {
	if r.history != "" {
		if f, err := os.Create(r.history); err == nil { //nolint:gosec // user-controlled history path
			_, _ = r.state.WriteHistory(f)
			_ = f.Close()
		}
	}

	return r.state.Close()
}

// scanReader reads plain lines, for piped input.
type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}

	if err := r.scanner.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}
func (*scanReader) Close() error         { return nil }

func newLineReader(in io.Reader, history string) lineReader {
	if f, ok := in.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		return newLinerReader(history)
	}

	return &scanReader{scanner: bufio.NewScanner(in)}
}

func complete(line string) []string {
	lower := strings.ToLower(line)

	var out []string

	for _, c := range commandTable() {
		names := append([]string{c.name()}, c.aliases...)
		for _, n := range names {
			if strings.HasPrefix(n, lower) {
				out = append(out, n)
			}
		}
	}

	return out
}

// runREPL reads commands until exit or end of input. Command errors are
// printed and do not end the session.
func runREPL(ctx context.Context, s *session, o *IO, in io.Reader, history string) error {
	r := newLineReader(in, history)

	defer func() { _ = r.Close() }()

	if _, ok := r.(*linerReader); ok {
		info, err := s.Describe()
		if err == nil {
			o.Printf("shmcache %s (%s, capacity=%d, clients=%d, expiring=%v)\n",
				info.Name, info.Path, info.Capacity, info.Clients, info.Expiring)
		}

		o.Println("Type 'help' for available commands.")
	}

	prompt := fmt.Sprintf("%s> ", s.Name())

	for {
		line, err := r.Prompt(prompt)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		r.AppendHistory(line)

		cmd := lookupCommand(fields[0])
		if cmd == nil {
			o.ErrPrintln("error: unknown command:", fields[0], "(type 'help' for commands)")

			continue
		}

		if cmd.name() == "exit" {
			return nil
		}

		err = cmd.run(ctx, s, o, fields[1:])
		if err != nil {
			o.ErrPrintln("error:", err)

			if errors.Is(err, errUsage) {
				o.ErrPrintln("usage:", cmd.usage)
			}
		}
	}
}
