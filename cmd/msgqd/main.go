// Command msgqd runs a msgq broker and talks to one from the command line.
//
//	msgqd serve --store=redis --redis-url=redis://localhost:6379/0
//	msgqd push 42 "hello" --type=3
//	msgqd pop 42 --type=3
//
// Every flag can also be set through an MSGQ_ environment variable, e.g.
// MSGQ_ADDR or MSGQ_STORE. A .env file in the working directory is loaded
// first when present.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Globals are flags shared by every command.
type Globals struct {
	Debug   bool             `name:"debug" help:"Enable debug logging."`
	JSONLog bool             `name:"json-log" help:"Log as JSON instead of text."`
	Version kong.VersionFlag `name:"version" help:"Print version and exit."`

	// Broker address for client commands.
	URL    string `name:"url" help:"Broker WebSocket URL." default:"ws://localhost:7480/msgq"`
	Format string `name:"format" help:"Wire format for client commands." enum:"json,msgpack" default:"json"`

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve       ServeCmd   `cmd:"" help:"Run the broker." group:"SERVER"`
	Push        PushCmd    `cmd:"" help:"Push a message onto a channel." group:"CLIENT"`
	Pop         PopCmd     `cmd:"" help:"Pop a message from a channel." group:"CLIENT"`
	Stats       StatsCmd   `cmd:"" help:"Show broker or channel statistics." group:"CLIENT"`
	Destroy     DestroyCmd `cmd:"" help:"Destroy a channel." group:"CLIENT"`
	Watch       WatchCmd   `cmd:"" help:"Stream events for a channel." group:"CLIENT"`
	VersionInfo VersionCmd `cmd:"" name:"version" help:"Print version information."`
}

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	cli := new(CLI)
	parser, err := newParser(cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cli.ctx, cli.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cli.cancel()
	cli.logger = newLogger(os.Stderr, cli.Debug, cli.JSONLog)

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("msgqd"),
		kong.Description("msgq message queue broker and client"),
		kong.DefaultEnvars("MSGQ"),
		kong.Vars{"version": versionString()},
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
}

// loadDotEnv loads path into the environment. A missing file is not an
// error; variables already set win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
