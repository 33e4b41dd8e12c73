package main

import (
	"github.com/spf13/cobra"

	"github.com/duderino/everscale-sub002/httpx"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/origin"
)

func newOriginCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "origin",
		Short: "Serve patterned response bodies and verify request bodies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := a.settings.Origin
			h := origin.New(s.Config, obs.Named(a.logger, "origin"))
			srv := &httpx.Server{
				Addr:    s.Listen,
				Handler: h,
				Config:  a.settings.HTTP,
				Logger:  a.logger,
				Meter:   a.meter,
			}
			if err := srv.Start(cmd.Context()); err != nil {
				return err
			}
			a.logger.Logf(obs.Info, "origin listening on %s, %d byte responses", srv.ListenAddr(), s.ResponseSize)
			err := a.run(cmd.Context(), nil, "origin", srv.Stack().Counters(), srv.Stop)
			st := h.Stats()
			a.logger.Logf(obs.Info, "origin: %d requests, %d request body bytes, %d bad bodies",
				st.Requests.Load(), st.RequestBytes.Load(), st.BadBodies.Load())
			return err
		},
	}
	fs := cmd.Flags()
	stringFlag(fs, "listen", "0.0.0.0:8080", "listen address", "origin", "listen")
	intFlag(fs, "response-size", 1024, "response body size in bytes", "origin", "response_size")
	boolFlag(fs, "chunked", false, "send chunked responses", "origin", "chunked")
	boolFlag(fs, "log-transactions", false, "log every finished transaction", "origin", "log_transactions")
	return cmd
}
