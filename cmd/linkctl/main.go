// Command linkctl is a terminal console for the link-shortening API.
//
// Every command opens its own session: it signs in with LINK_EMAIL and
// LINK_PASSWORD, does its work, and signs out again.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/sundayezeilo/linkconsole/internal/app"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2

	closeTimeout = 5 * time.Second
)

type command struct {
	summary string
	signIn  bool
	run     func(ctx context.Context, c *cli, con *app.Console, args []string) error
}

var commands = map[string]command{
	"register":  {"create an account", false, runRegister},
	"login":     {"check the configured credentials", true, runLogin},
	"whoami":    {"show the signed-in user", true, runWhoami},
	"check":     {"ask whether a URL is already shortened", true, runCheck},
	"shorten":   {"create a short link", true, runShorten},
	"list":      {"list your links", true, runList},
	"watch":     {"keep the link list on screen, refreshing it", true, runWatch},
	"delete":    {"delete a link (reusable until its backup expires)", true, runDelete},
	"qr":        {"fetch the QR code of a link", true, runQR},
	"analytics": {"show click analytics for a link", true, runAnalytics},
}

// errUsage reports bad arguments; the flag set has already printed why.
var errUsage = errors.New("usage")

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	open   func() (*app.Console, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newCLI(os.Stdin, os.Stdout, os.Stderr).run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func newCLI(stdin io.Reader, stdout, stderr io.Writer) *cli {
	return &cli{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		open:   func() (*app.Console, error) { return app.NewConsole(stderr) },
	}
}

func (c *cli) run(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		c.usage()
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(c.stderr, "linkctl: unknown command %q\n\n", args[0])
		c.usage()
		return exitUsage
	}

	con, err := c.open()
	if err != nil {
		fmt.Fprintf(c.stderr, "linkctl: %v\n", err)
		return exitError
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := con.Close(closeCtx); err != nil {
			con.Logger.Warn("sign out failed", "error", err.Error())
		}
	}()

	if cmd.signIn {
		if _, err := con.SignIn(ctx); err != nil {
			fmt.Fprintf(c.stderr, "linkctl: %s\n", describe(err))
			return exitError
		}
	}

	switch err := cmd.run(ctx, c, con, args[1:]); {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	default:
		fmt.Fprintf(c.stderr, "linkctl: %s\n", describe(err))
		return exitError
	}
}

func (c *cli) usage() {
	fmt.Fprintln(c.stderr, "usage: linkctl <command> [flags]")
	fmt.Fprintln(c.stderr)
	fmt.Fprintln(c.stderr, "commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.stderr, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(c.stderr)
	fmt.Fprintln(c.stderr, "Run 'linkctl <command> -h' for the flags of a command.")
}

// describe renders err for the terminal: the server's message when there is
// one, otherwise the innermost cause.
func describe(err error) string {
	return linkapi.Detail(err)
}
