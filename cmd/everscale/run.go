package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/duderino/everscale-sub002/httpx"
)

// run waits until ctx is done or done is closed, logging the counters every
// stats interval, then stops the stack and prints the summary.
func (a *app) run(ctx context.Context, done <-chan struct{}, name string, counters *httpx.Counters, stop func() error) error {
	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	if iv := a.settings.StatsInterval; iv > 0 {
		g.Go(func() error {
			t := time.NewTicker(iv)
			defer t.Stop()
			for {
				select {
				case <-finished:
					return nil
				case <-t.C:
					counters.LogSummary(a.logger)
				}
			}
		})
	}
	g.Go(func() error {
		defer close(finished)
		select {
		case <-gctx.Done():
		case <-done:
		}
		return stop()
	})
	err := g.Wait()
	counters.LogSummary(a.logger)
	printSummary(os.Stdout, name, counters)
	return err
}

func printSummary(w io.Writer, name string, c *httpx.Counters) {
	good := color.New(color.FgGreen, color.Bold)
	bad := color.New(color.FgRed, color.Bold)
	title := color.New(color.FgCyan, color.Bold)

	if n := c.Client.Total(); n > 0 {
		fmt.Fprintf(w, "%s client: %s ok, %s failed\n", title.Sprint(name),
			good.Sprint(c.Client.Phase(httpx.ClientEnd)), failures(bad, c.Client.Failures()))
		for p := httpx.ClientBegin; p < httpx.ClientEnd; p++ {
			if n := c.Client.Phase(p); n > 0 {
				fmt.Fprintf(w, "  failed in %-13s %s\n", p, bad.Sprint(n))
			}
		}
		printClasses(w, c.Client.StatusClass)
	}
	if n := c.Server.Total(); n > 0 {
		fmt.Fprintf(w, "%s server: %s ok, %s failed\n", title.Sprint(name),
			good.Sprint(c.Server.Phase(httpx.ServerEnd)), failures(bad, c.Server.Failures()))
		for p := httpx.ServerBegin; p < httpx.ServerEnd; p++ {
			if n := c.Server.Phase(p); n > 0 {
				fmt.Fprintf(w, "  failed in %-13s %s\n", p, bad.Sprint(n))
			}
		}
		printClasses(w, c.Server.StatusClass)
	}
}

func failures(bad *color.Color, n int64) string {
	if n == 0 {
		return "0"
	}
	return bad.Sprint(n)
}

func printClasses(w io.Writer, get func(int) int64) {
	for class := 1; class <= 5; class++ {
		n := get(class)
		if n == 0 {
			continue
		}
		c := color.New(color.FgGreen)
		switch {
		case class >= 5:
			c = color.New(color.FgRed)
		case class == 4:
			c = color.New(color.FgYellow)
		}
		fmt.Fprintf(w, "  %dxx %s\n", class, c.Sprint(n))
	}
}
