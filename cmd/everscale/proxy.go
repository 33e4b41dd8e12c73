package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/duderino/everscale-sub002/httpx"
	"github.com/duderino/everscale-sub002/internal/obs"
)

func newProxyCmd(a *app) *cobra.Command {
	var routes []string
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Route requests by path prefix to origin servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := a.settings.Proxy
			router, err := buildRouter(s, routes)
			if err != nil {
				return err
			}
			p := &httpx.Proxy{
				Addr:    s.Listen,
				Router:  router,
				Config:  a.settings.HTTP,
				Breaker: s.Breaker,
				Logger:  a.logger,
				Meter:   a.meter,
			}
			if err := p.Start(cmd.Context()); err != nil {
				return err
			}
			a.logger.Logf(obs.Info, "proxy listening on %s", p.ListenAddr())
			return a.run(cmd.Context(), nil, "proxy", p.Stack().Counters(), p.Stop)
		},
	}
	fs := cmd.Flags()
	stringFlag(fs, "listen", "0.0.0.0:8081", "listen address", "proxy", "listen")
	fs.StringArrayVar(&routes, "route", nil, "route a path prefix, prefix=ip:port; repeatable")
	fs.StringSlice("deny", nil, "path prefixes answered with 403")
	_ = fs.SetAnnotation("deny", configKey, []string{"proxy", "deny"})
	intFlag(fs, "breaker-trip-after", 5, "consecutive failures that open a destination's breaker, 0 disables", "proxy", "breaker", "trip_after")
	durationFlag(fs, "breaker-open-timeout", 10*time.Second, "how long an open breaker rejects", "proxy", "breaker", "open_timeout")
	return cmd
}

func buildRouter(s proxySettings, flagRoutes []string) (*httpx.StaticRouter, error) {
	r := &httpx.StaticRouter{}
	for prefix, dest := range s.Routes {
		if err := r.Add(prefix, dest); err != nil {
			return nil, err
		}
	}
	for _, kv := range flagRoutes {
		prefix, dest, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("route %q: want prefix=ip:port", kv)
		}
		if err := r.Add(prefix, dest); err != nil {
			return nil, err
		}
	}
	for _, prefix := range s.Deny {
		r.Deny(prefix)
	}
	return r, nil
}
