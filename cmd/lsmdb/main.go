package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"lsmkv/pkg/db"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/store"
)

const usage = `lsmdb - embedded LSM key-value store

Usage:
  lsmdb <command> [options] [arguments]

Commands:
  put <key> <value>      Store a value
  get <key>              Print the value of a key
  delete <key>           Delete a key
  scan [start] [end]     Print keys in [start, end)
  flush                  Write the memtable to disk
  compact                Compact levels over their size bound
  stats                  Print engine statistics as JSON
  help                   Show this help

Common options:
  -config <path>   YAML config file (default lsmdb.yaml)
  -data <dir>      data directory, overrides the config`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, dberrors.ErrNotFound) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return errors.New("missing command")
	}

	command := args[0]
	if command == "help" {
		fmt.Fprintln(stdout, usage)
		return nil
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "lsmdb.yaml", "YAML config file")
	dataDir := fs.String("data", "", "data directory")
	limit := fs.Int("limit", 0, "maximum keys printed by scan (0 for all)")
	all := fs.Bool("all", false, "compact every level down to the deepest one")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	rest := fs.Args()

	cmd, ok := commands[command]
	if !ok {
		fmt.Fprintln(stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
	if len(rest) < cmd.minArgs || len(rest) > cmd.maxArgs {
		return fmt.Errorf("%s: wrong number of arguments", command)
	}

	cfg, err := initConfig(*configPath, *dataDir)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Logger, stderr)

	d, err := db.OpenWithConfig(cfg, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	return cmd.fn(ctx, d, rest, options{out: stdout, limit: *limit, all: *all})
}

type options struct {
	out   io.Writer
	limit int
	all   bool
}

type command struct {
	minArgs, maxArgs int
	fn               func(ctx context.Context, d db.DB, args []string, opts options) error
}

var commands = map[string]command{
	"put":     {2, 2, putCmd},
	"get":     {1, 1, getCmd},
	"delete":  {1, 1, deleteCmd},
	"scan":    {0, 2, scanCmd},
	"flush":   {0, 0, flushCmd},
	"compact": {0, 0, compactCmd},
	"stats":   {0, 0, statsCmd},
}

func putCmd(ctx context.Context, d db.DB, args []string, _ options) error {
	return d.Put(ctx, []byte(args[0]), []byte(args[1]))
}

func getCmd(ctx context.Context, d db.DB, args []string, opts options) error {
	v, err := d.Get(ctx, []byte(args[0]))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(opts.out, "%s\n", v)
	return err
}

func deleteCmd(ctx context.Context, d db.DB, args []string, _ options) error {
	return d.Delete(ctx, []byte(args[0]))
}

func scanCmd(ctx context.Context, d db.DB, args []string, opts options) error {
	var start, end []byte
	if len(args) > 0 && args[0] != "" {
		start = []byte(args[0])
	}
	if len(args) > 1 && args[1] != "" {
		end = []byte(args[1])
	}

	return db.SearchRange(ctx, d, start, end, db.SearchOptions{Limit: opts.limit},
		func(r db.SearchResult) error {
			_, err := fmt.Fprintf(opts.out, "%s\t%s\n", r.Key, r.Value)
			return err
		})
}

func flushCmd(ctx context.Context, d db.DB, _ []string, _ options) error {
	return d.Flush(ctx)
}

func compactCmd(ctx context.Context, d db.DB, _ []string, opts options) error {
	if opts.all {
		return d.CompactAll(ctx)
	}
	return d.Compact(ctx)
}

func statsCmd(ctx context.Context, d db.DB, _ []string, opts options) error {
	st, err := d.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(opts.out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
