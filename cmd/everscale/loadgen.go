package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/duderino/everscale-sub002/httpx"
	"github.com/duderino/everscale-sub002/internal/loadgen"
	"github.com/duderino/everscale-sub002/internal/obs"
)

func newLoadgenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Keep client transactions in flight against a destination",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s := a.settings.Loadgen
			if s.WaitReady {
				if err := waitReady(ctx, s, obs.Named(a.logger, "probe")); err != nil {
					return err
				}
			}
			gen, err := loadgen.New(s.Config, obs.Named(a.logger, "loadgen"))
			if err != nil {
				return err
			}
			c := &httpx.Client{Config: a.settings.HTTP, Logger: a.logger, Meter: a.meter}
			if err := c.Start(ctx); err != nil {
				return err
			}
			counters := c.Counters()
			start := time.Now()
			if err := c.Each(gen.Seed); err != nil {
				_ = c.Stop()
				return err
			}
			err = a.run(ctx, gen.Done(), "loadgen", counters, c.Stop)
			elapsed := time.Since(start)

			r := gen.Result()
			rate := float64(r.Succeeded+r.Failed) / elapsed.Seconds()
			fmt.Printf("%s %d ok, %d failed, %d bad bodies in %s (%s/s)\n",
				color.New(color.FgCyan, color.Bold).Sprint("loadgen"),
				r.Succeeded, r.Failed, r.BadBodies, elapsed.Round(time.Millisecond),
				color.New(color.Bold).Sprintf("%.0f", rate))
			if err != nil {
				return err
			}
			if s.FaultMode == loadgen.FaultNone && r.Failed > 0 {
				return fmt.Errorf("loadgen: %d transactions failed", r.Failed)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	stringFlag(fs, "destination", "127.0.0.1:8080", "ip:port to send requests to", "loadgen", "destination")
	intFlag(fs, "connections", 10, "transactions in flight per reactor", "loadgen", "connections")
	int64Flag(fs, "iterations", 1000, "total transactions", "loadgen", "iterations")
	stringFlag(fs, "method", "GET", "request method", "loadgen", "method")
	stringFlag(fs, "path", "/", "request target", "loadgen", "path")
	stringFlag(fs, "host", "localhost", "Host header", "loadgen", "host")
	intFlag(fs, "request-size", 0, "request body size in bytes", "loadgen", "request_size")
	intFlag(fs, "response-size", 0, "expected response body size, 0 skips the check", "loadgen", "response_size")
	boolFlag(fs, "chunked", false, "send chunked request bodies", "loadgen", "chunked")
	stringFlag(fs, "fault-phase", "", "begin, send_body, recv_headers or recv_body", "loadgen", "fault_phase")
	stringFlag(fs, "fault-mode", "", "close or stall", "loadgen", "fault_mode")
	boolFlag(fs, "wait-ready", false, "probe the destination until it answers before starting", "loadgen", "wait_ready")
	durationFlag(fs, "wait-ready-timeout", 30*time.Second, "give up probing after this long", "loadgen", "wait_ready_timeout")
	return cmd
}

// waitReady probes the destination with a retrying client until it answers
// without a server error.
func waitReady(ctx context.Context, s loadgenSettings, logger obs.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, s.WaitReadyTimeout)
	defer cancel()

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.RetryMax = 50
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		logger.Logf(obs.Debug, "probing %s, attempt %d", req.URL, attempt+1)
	}

	url := "http://" + s.Destination + s.Path
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if s.Host != "" {
		req.Host = s.Host
	}
	resp, err := rc.Do(req)
	if err != nil {
		return fmt.Errorf("loadgen: %s not ready: %w", s.Destination, err)
	}
	resp.Body.Close()
	logger.Logf(obs.Info, "%s answered %d", s.Destination, resp.StatusCode)
	return nil
}
