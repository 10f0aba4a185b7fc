package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

var errKeyNotFound = errors.New("key not found")

// command is one shell / one-shot command.
type command struct {
	// usage starts with the command name, e.g. "get <key>".
	usage   string
	short   string
	aliases []string

	minArgs int
	maxArgs int // -1 for unbounded

	exec func(ctx context.Context, s *session, o *IO, args []string) error
}

func (c *command) name() string {
	name, _, _ := strings.Cut(c.usage, " ")

	return name
}

func (c *command) helpLine() string {
	return fmt.Sprintf("  %-26s %s", c.usage, c.short)
}

func (c *command) run(ctx context.Context, s *session, o *IO, args []string) error {
	if len(args) < c.minArgs || (c.maxArgs >= 0 && len(args) > c.maxArgs) {
		return fmt.Errorf("%s: wrong number of arguments: %w", c.name(), errUsage)
	}

	return c.exec(ctx, s, o, args)
}

func commandTable() []command {
	return []command{
		{usage: "get <key>", short: "Print the value of key", minArgs: 1, maxArgs: 1, exec: cmdGet},
		{usage: "set <key> <json> [ttl]", short: "Store a value (non-JSON is stored as a string)", minArgs: 2, maxArgs: -1, exec: cmdSet},
		{usage: "del <key>", short: "Delete key, print 1 if it existed", aliases: []string{"delete", "rm"}, minArgs: 1, maxArgs: 1, exec: cmdDel},
		{usage: "pop <key>", short: "Print and delete key", minArgs: 1, maxArgs: 1, exec: cmdPop},
		{usage: "keys", short: "List keys", aliases: []string{"ls"}, maxArgs: 0, exec: cmdKeys},
		{usage: "len", short: "Count keys", aliases: []string{"count"}, maxArgs: 0, exec: cmdLen},
		{usage: "ttl <key>", short: "Print remaining lifetime of key", minArgs: 1, maxArgs: 1, exec: cmdTTL},
		{usage: "expire <key> <ttl>", short: "Set the lifetime of key", minArgs: 2, maxArgs: 2, exec: cmdExpire},
		{usage: "persist <key>", short: "Remove the expiration of key", minArgs: 1, maxArgs: 1, exec: cmdPersist},
		{usage: "clear", short: "Remove every entry", aliases: []string{"flush"}, maxArgs: 0, exec: cmdClear},
		{usage: "info", short: "Show cache info", maxArgs: 0, exec: cmdInfo},
		{usage: "dump", short: "Print all entries as JSON", maxArgs: 0, exec: cmdDump},
		{usage: "stats", short: "Print this session's metrics", maxArgs: 0, exec: cmdStats},
		{usage: "bench <n> [workers]", short: "Run n set+get+del rounds on parallel handles", minArgs: 1, maxArgs: 2, exec: cmdBench},
		{usage: "help", short: "Show this help", aliases: []string{"?"}, maxArgs: -1, exec: cmdHelp},
		{usage: "exit", short: "Leave the shell", aliases: []string{"quit", "q"}, maxArgs: -1, exec: func(context.Context, *session, *IO, []string) error { return nil }},
	}
}

func lookupCommand(name string) *command {
	name = strings.ToLower(name)

	table := commandTable()
	for i := range table {
		c := &table[i]
		if c.name() == name {
			return c
		}

		for _, alias := range c.aliases {
			if alias == name {
				return c
			}
		}
	}

	return nil
}

func printValue(o *IO, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("format value: %w", err)
	}

	o.Println(string(data))

	return nil
}

func printJSON(o *IO, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("format: %w", err)
	}

	o.Println(string(data))

	return nil
}

// parseValue decodes s as JSON, falling back to the literal string.
func parseValue(s string) any {
	var v any

	err := shmcache.JSONCodec{}.Unmarshal([]byte(s), &v)
	if err != nil {
		return s
	}

	return v
}

// splitValueTTL separates the optional trailing ttl of "set". The last
// argument is taken as ttl only if it parses as one and the rest is a single
// word or valid JSON.
func splitValueTTL(args []string) (string, *time.Duration) {
	if len(args) >= 2 {
		last := args[len(args)-1]
		rest := strings.Join(args[:len(args)-1], " ")

		ttl, err := parseTTL(last)
		if err == nil && (len(args) == 2 || json.Valid([]byte(rest))) {
			return rest, &ttl
		}
	}

	return strings.Join(args, " "), nil
}

func cmdGet(_ context.Context, s *session, o *IO, args []string) error {
	var v any

	ok, err := s.Get(args[0], &v)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%q: %w", args[0], errKeyNotFound)
	}

	return printValue(o, v)
}

func cmdSet(_ context.Context, s *session, o *IO, args []string) error {
	raw, ttl := splitValueTTL(args[1:])

	err := set(s.kv, args[0], parseValue(raw), ttl)
	if err != nil {
		return err
	}

	o.Println("OK")

	return nil
}

func cmdDel(_ context.Context, s *session, o *IO, args []string) error {
	existed, err := s.Delete(args[0])
	if err != nil {
		return err
	}

	if existed {
		o.Println(1)
	} else {
		o.Println(0)
	}

	return nil
}

func cmdPop(_ context.Context, s *session, o *IO, args []string) error {
	var v any

	ok, err := s.Pop(args[0], &v)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%q: %w", args[0], errKeyNotFound)
	}

	return printValue(o, v)
}

func cmdKeys(_ context.Context, s *session, o *IO, _ []string) error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}

	for _, k := range keys {
		o.Println(k)
	}

	return nil
}

func cmdLen(_ context.Context, s *session, o *IO, _ []string) error {
	n, err := s.Len()
	if err != nil {
		return err
	}

	o.Println(n)

	return nil
}

func cmdTTL(_ context.Context, s *session, o *IO, args []string) error {
	c, err := s.expiring()
	if err != nil {
		return err
	}

	ok, err := c.Contains(args[0])
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%q: %w", args[0], errKeyNotFound)
	}

	ttl, ok, err := c.TTL(args[0])
	if err != nil {
		return err
	}

	if !ok {
		o.Println("no expiration")

		return nil
	}

	// Expiry is stored in whole seconds; round up so a fresh "set k v 30s"
	// reads back as 30s.
	o.Println((ttl + time.Second - 1).Truncate(time.Second))

	return nil
}

func cmdExpire(_ context.Context, s *session, o *IO, args []string) error {
	c, err := s.expiring()
	if err != nil {
		return err
	}

	ttl, err := parseTTL(args[1])
	if err != nil {
		return err
	}

	err = c.SetExpiration(args[0], ttl)
	if err != nil {
		return err
	}

	o.Println("OK")

	return nil
}

func cmdPersist(_ context.Context, s *session, o *IO, args []string) error {
	c, err := s.expiring()
	if err != nil {
		return err
	}

	err = c.ClearExpiration(args[0])
	if err != nil {
		return err
	}

	o.Println("OK")

	return nil
}

func cmdClear(_ context.Context, s *session, o *IO, _ []string) error {
	err := s.Clear()
	if err != nil {
		return err
	}

	o.Println("OK")

	return nil
}

func cmdInfo(_ context.Context, s *session, o *IO, _ []string) error {
	info, err := s.Describe()
	if err != nil {
		return err
	}

	return printJSON(o, info)
}

func cmdDump(_ context.Context, s *session, o *IO, _ []string) error {
	items, err := s.Items()
	if err != nil {
		return err
	}

	return printJSON(o, items)
}

func cmdStats(_ context.Context, s *session, o *IO, _ []string) error {
	families, err := s.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var buf strings.Builder

	for _, mf := range families {
		_, err = expfmt.MetricFamilyToText(&buf, mf)
		if err != nil {
			return fmt.Errorf("format metrics: %w", err)
		}
	}

	o.Printf("%s", buf.String())

	return nil
}

func cmdHelp(_ context.Context, _ *session, o *IO, _ []string) error {
	o.Println("Commands:")

	for _, c := range commandTable() {
		o.Println(c.helpLine())
	}

	return nil
}

func parseCount(s, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", what, s)
	}

	return n, nil
}
