package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sundayezeilo/linkconsole/internal/app"
	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
	"github.com/sundayezeilo/linkconsole/internal/reconcile"
)

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("linkctl "+name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		fs.Usage()
		return errUsage
	}
	return nil
}

func required(fs *flag.FlagSet, name, value string) error {
	if strings.TrimSpace(value) == "" {
		fmt.Fprintf(fs.Output(), "-%s is required\n", name)
		fs.Usage()
		return errUsage
	}
	return nil
}

/*** Account ***/

func runRegister(ctx context.Context, c *cli, con *app.Console, args []string) error {
	fs := c.flags("register")
	name := fs.String("name", "", "display name")
	email := fs.String("email", con.Config.Client.Email, "email address (default: $LINK_EMAIL)")
	password := fs.String("password", con.Config.Client.Password, "password (default: $LINK_PASSWORD)")
	if err := parse(fs, args); err != nil {
		return err
	}
	for _, f := range []struct{ name, value string }{{"name", *name}, {"email", *email}, {"password", *password}} {
		if err := required(fs, f.name, f.value); err != nil {
			return err
		}
	}

	res, err := con.Session.Register(ctx, linkapi.Registration{Name: *name, Email: *email, Password: *password})
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	fmt.Fprintf(c.stdout, "Account created for %s. You can now sign in.\n", res.User.Email)
	return nil
}

func runLogin(_ context.Context, c *cli, con *app.Console, args []string) error {
	if err := parse(c.flags("login"), args); err != nil {
		return err
	}
	u := con.Session.User()
	fmt.Fprintf(c.stdout, "Signed in as %s <%s>\n", u.Name, u.Email)
	return nil
}

func runWhoami(ctx context.Context, c *cli, con *app.Console, args []string) error {
	fs := c.flags("whoami")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := parse(fs, args); err != nil {
		return err
	}

	u, err := con.Session.Whoami(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(c.stdout, u)
	}
	printUser(c.stdout, u)
	return nil
}

/*** Links ***/

func runCheck(ctx context.Context, c *cli, con *app.Console, args []string) error {
	fs := c.flags("check")
	rawURL := fs.String("url", "", "URL to look up")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "url", *rawURL); err != nil {
		return err
	}

	rec := con.Session.Reconciler
	if err := rec.Edit(reconcile.Form{URL: *rawURL}); err != nil {
		return err
	}
	out, err := rec.Probe(ctx)
	if err != nil {
		return err
	}
	printOutcome(c.stdout, out)
	return nil
}

func runShorten(ctx context.Context, c *cli, con *app.Console, args []string) error {
	fs := c.flags("shorten")
	rawURL := fs.String("url", "", "URL to shorten")
	code := fs.String("code", "", "custom short code (optional)")
	days := fs.Int("days", 0, "expire after this many days (optional)")
	reuse := fs.Bool("reuse", false, "if the URL was deleted, reactivate its old code")
	fresh := fs.Bool("new", false, "if the URL was deleted, create a new code")
	asJSON := fs.Bool("json", false, "print the record as JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "url", *rawURL); err != nil {
		return err
	}
	if *reuse && *fresh {
		fmt.Fprintln(fs.Output(), "-reuse and -new are mutually exclusive")
		return errUsage
	}

	r := con.Session.Reconciler
	if err := r.Edit(reconcile.Form{URL: *rawURL, CustomCode: *code, ExpiresInDays: *days}); err != nil {
		return err
	}

	out, err := r.Submit(ctx)
	if err != nil {
		return err
	}

	if out.State == reconcile.NeedsDecision {
		choice := 'r'
		switch {
		case *reuse:
		case *fresh:
			choice = 'n'
		default:
			if choice, err = c.askDecision(out); err != nil {
				return err
			}
		}

		switch choice {
		case 'r':
			out, err = r.Reuse(ctx)
		case 'n':
			out, err = r.CreateNew(ctx)
		default:
			fmt.Fprintln(c.stdout, "Canceled.")
			return nil
		}
		if err != nil {
			return err
		}
	}

	if *asJSON && out.Record != nil {
		return writeJSON(c.stdout, out.Record)
	}
	printOutcome(c.stdout, out)
	return nil
}

// askDecision prompts for reuse, new or cancel until it gets an answer.
func (c *cli) askDecision(out reconcile.Outcome) (rune, error) {
	fmt.Fprintln(c.stdout, out.Check.Message)

	in := bufio.NewScanner(c.stdin)
	for {
		fmt.Fprint(c.stdout, "[r]euse / [n]ew / [c]ancel: ")
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return 0, err
			}
			return 'c', nil
		}
		switch strings.ToLower(strings.TrimSpace(in.Text())) {
		case "r", "reuse":
			return 'r', nil
		case "n", "new":
			return 'n', nil
		case "c", "cancel", "q":
			return 'c', nil
		}
	}
}

func runList(ctx context.Context, c *cli, con *app.Console, args []string) error {
	fs := c.flags("list")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := parse(fs, args); err != nil {
		return err
	}

	if err := con.Session.List.Refresh(ctx); err != nil {
		return err
	}
	records := con.Session.List.Snapshot()
	if *asJSON {
		return writeJSON(c.stdout, records)
	}
	printRecords(c.stdout, records)
	return nil
}

func runWatch(ctx context.Context, c *cli, con *app.Console, args []string) error {
	fs := c.flags("watch")
	interval := fs.Duration("interval", con.Config.Poller.Interval, "refresh interval")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *interval < time.Second {
		fmt.Fprintln(fs.Output(), "-interval must be at least 1s")
		return errUsage
	}

	changes := make(chan []linkapi.URLRecord, 1)
	unsubscribe := con.Session.List.OnChange(func(records []linkapi.URLRecord) {
		// Keep only the newest snapshot if the printer falls behind.
		select {
		case <-changes:
		default:
		}
		changes <- records
	})
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return con.Session.StartPolling(ctx, *interval)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case records := <-changes:
				fmt.Fprintf(c.stdout, "\n%s  %d links\n", time.Now().Format(time.TimeOnly), len(records))
				printRecords(c.stdout, records)
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		con.Session.StopPolling()
		return nil
	})
	return g.Wait()
}

func runDelete(ctx context.Context, c *cli, con *app.Console, args []string) error {
	fs := c.flags("delete")
	code := fs.String("code", "", "short code to delete")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "code", *code); err != nil {
		return err
	}

	receipt, err := con.Session.Delete(ctx, *code)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, receipt.Message)
	fmt.Fprintf(c.stdout, "Backup until: %s\n", receipt.BackupUntil)
	if receipt.Note != "" {
		fmt.Fprintln(c.stdout, receipt.Note)
	}
	return nil
}

func runQR(ctx context.Context, c *cli, con *app.Console, args []string) error {
	const op = "linkctl.qr"

	fs := c.flags("qr")
	code := fs.String("code", "", "short code")
	out := fs.String("out", "", "write the PNG to this file instead of printing the data URI")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "code", *code); err != nil {
		return err
	}

	list := con.Session.List
	if err := list.Refresh(ctx); err != nil {
		return err
	}
	rec, ok := list.Lookup(*code)
	if !ok {
		return errx.Errorf(op, errx.NotFound, "no active link with code %q", *code)
	}

	qr, err := list.EnsureQR(ctx, rec)
	if err != nil {
		return err
	}
	if *out == "" {
		fmt.Fprintln(c.stdout, qr)
		return nil
	}

	png, err := linkapi.DecodeQR(qr)
	if err != nil {
		return errx.E(op, errx.Transient, err)
	}
	if err := os.WriteFile(*out, png, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Wrote %s (%d bytes) for %s\n", *out, len(png), rec.ShortURL)
	return nil
}

/*** Analytics ***/

func runAnalytics(ctx context.Context, c *cli, con *app.Console, args []string) error {
	fs := c.flags("analytics")
	code := fs.String("code", "", "short code (omit to list the links you can pick)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := parse(fs, args); err != nil {
		return err
	}

	agg := con.Session.Analytics
	if *code == "" {
		if err := con.Session.Targets.Refresh(ctx); err != nil {
			return err
		}
		targets := agg.Targets()
		if len(targets) == 0 {
			fmt.Fprintln(c.stdout, "No links yet.")
			return nil
		}
		for _, t := range targets {
			fmt.Fprintln(c.stdout, t.String())
		}
		return nil
	}

	if err := agg.Select(*code); err != nil {
		return err
	}
	summary, err := agg.Query(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(c.stdout, summary)
	}
	printSummary(c.stdout, summary)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
