package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sundayezeilo/linkconsole/internal/analytics"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
	"github.com/sundayezeilo/linkconsole/internal/reconcile"
)

const displayTime = "2006-01-02 15:04"

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatTime(t linkapi.Timestamp, empty string) string {
	if t.IsZero() {
		return empty
	}
	return t.Local().Format(displayTime)
}

func printUser(w io.Writer, u linkapi.User) {
	tw := table(w)
	fmt.Fprintf(tw, "ID:\t%d\n", u.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", u.Name)
	fmt.Fprintf(tw, "Email:\t%s\n", u.Email)
	fmt.Fprintf(tw, "Member since:\t%s\n", formatTime(u.CreatedAt, "-"))
	tw.Flush()
}

func printOutcome(w io.Writer, out reconcile.Outcome) {
	if out.Message != "" {
		fmt.Fprintln(w, out.Message)
	}
	if out.Record == nil {
		return
	}

	rec := out.Record
	tw := table(w)
	fmt.Fprintf(tw, "Short URL:\t%s\n", rec.ShortURL)
	fmt.Fprintf(tw, "Code:\t%s\n", rec.ShortCode)
	fmt.Fprintf(tw, "Original:\t%s\n", rec.OriginalURL)
	fmt.Fprintf(tw, "Clicks:\t%d\n", rec.ClickCount)
	fmt.Fprintf(tw, "Expires:\t%s\n", formatTime(rec.ExpiresAt, "never"))
	tw.Flush()
}

func printRecords(w io.Writer, records []linkapi.URLRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No links yet.")
		return
	}

	tw := table(w)
	fmt.Fprintln(tw, "CODE\tSHORT URL\tORIGINAL\tCLICKS\tCREATED\tEXPIRES")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ShortCode, r.ShortURL, r.OriginalURL, r.ClickCount,
			formatTime(r.CreatedAt, "-"), formatTime(r.ExpiresAt, "never"))
	}
	tw.Flush()
}

func printSummary(w io.Writer, s analytics.Summary) {
	fmt.Fprintf(w, "Analytics for %s\n", s.ShortCode)
	fmt.Fprintf(w, "Total clicks: %d (%s)\n", s.TotalClicks, s.EventsLabel)

	if len(s.Days) > 0 {
		fmt.Fprintln(w)
		tw := table(w)
		fmt.Fprintln(tw, "DATE\tCLICKS")
		for _, d := range s.Days {
			fmt.Fprintf(tw, "%s\t%d\n", d.Date, d.Clicks)
		}
		tw.Flush()
	}

	if len(s.Events) > 0 {
		fmt.Fprintln(w)
		tw := table(w)
		fmt.Fprintln(tw, "#\tWHEN\tREFERER\tDEVICE")
		for _, ev := range s.Events {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Ordinal, eventTime(ev), ev.Referer, ev.Device)
		}
		tw.Flush()
	}
}

func eventTime(ev analytics.Event) string {
	if ev.Date != "" || ev.Time != "" {
		return ev.Date + " " + ev.Time
	}
	if ev.Timestamp.IsZero() {
		return "-"
	}
	return ev.Timestamp.Format(time.DateTime)
}
