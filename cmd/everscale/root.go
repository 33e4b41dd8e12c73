package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/duderino/everscale-sub002/httpx"
	"github.com/duderino/everscale-sub002/internal/config"
	"github.com/duderino/everscale-sub002/internal/loadgen"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/origin"
)

// envPrefix selects the environment variables that override the file.
const envPrefix = "EVERSCALE_"

// settings is everything a run can be configured with. Sections decode from
// the YAML file, then the environment, then explicitly set flags.
type settings struct {
	LogLevel      string          `config:"log_level"`
	Development   bool            `config:"development"`
	StatsInterval time.Duration   `config:"stats_interval"`
	HTTP          httpx.Config    `config:"http"`
	Origin        originSettings  `config:"origin"`
	Proxy         proxySettings   `config:"proxy"`
	Loadgen       loadgenSettings `config:"loadgen"`
}

type originSettings struct {
	Listen        string `config:"listen"`
	origin.Config `config:",squash"`
}

type proxySettings struct {
	Listen string `config:"listen"`
	// Routes maps path prefixes to "ip:port" destinations.
	Routes  map[string]string   `config:"routes"`
	Deny    []string            `config:"deny"`
	Breaker httpx.BreakerConfig `config:"breaker"`
}

type loadgenSettings struct {
	loadgen.Config `config:",squash"`
	// WaitReady probes the destination until it answers before seeding.
	WaitReady        bool          `config:"wait_ready"`
	WaitReadyTimeout time.Duration `config:"wait_ready_timeout"`
}

func defaultSettings() settings {
	return settings{
		LogLevel: "info",
		HTTP:     httpx.DefaultConfig(),
		Origin:   originSettings{Listen: "0.0.0.0:8080", Config: origin.DefaultConfig()},
		Proxy: proxySettings{
			Listen:  "0.0.0.0:8081",
			Breaker: httpx.DefaultBreakerConfig(),
		},
		Loadgen: loadgenSettings{Config: loadgen.DefaultConfig(), WaitReadyTimeout: 30 * time.Second},
	}
}

// app is what every subcommand runs with once the persistent pre-run has
// loaded the settings.
type app struct {
	configFile string
	settings   settings
	logger     obs.ZapLogger
	zap        *zap.Logger
	meter      obs.Meter
	reader     *sdkmetric.ManualReader
	provider   *sdkmetric.MeterProvider
}

func newRootCmd() *cobra.Command {
	a := &app{settings: defaultSettings()}
	root := &cobra.Command{
		Use:           "everscale",
		Short:         "Non-blocking HTTP/1.1 origin, proxy and load generator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "YAML configuration file")
	stringFlag(pf, "log-level", "info", "debug, info, warn or error", "log_level")
	boolFlag(pf, "development", false, "human readable logs", "development")
	durationFlag(pf, "stats-interval", 0, "log counters at this interval, 0 disables", "stats_interval")
	intFlag(pf, "reactors", 0, "reactor goroutines, 0 for one per CPU", "http", "reactors")
	intFlag(pf, "buffer-size", 0, "socket buffer size in bytes", "http", "buffer_size")
	durationFlag(pf, "idle-timeout", 0, "close sockets idle this long", "http", "idle_timeout")
	boolFlag(pf, "reuse-connections", true, "pool client connections and keep server connections alive", "http", "reuse_connections")

	root.AddCommand(newOriginCmd(a), newProxyCmd(a), newLoadgenCmd(a))
	return root
}

// configKey annotates flags with the settings key they override.
const configKey = "config_key"

func stringFlag(fs *pflag.FlagSet, name, def, usage string, key ...string) {
	fs.String(name, def, usage)
	_ = fs.SetAnnotation(name, configKey, key)
}

func intFlag(fs *pflag.FlagSet, name string, def int, usage string, key ...string) {
	fs.Int(name, def, usage)
	_ = fs.SetAnnotation(name, configKey, key)
}

func int64Flag(fs *pflag.FlagSet, name string, def int64, usage string, key ...string) {
	fs.Int64(name, def, usage)
	_ = fs.SetAnnotation(name, configKey, key)
}

func boolFlag(fs *pflag.FlagSet, name string, def bool, usage string, key ...string) {
	fs.Bool(name, def, usage)
	_ = fs.SetAnnotation(name, configKey, key)
}

func durationFlag(fs *pflag.FlagSet, name string, def time.Duration, usage string, key ...string) {
	fs.Duration(name, def, usage)
	_ = fs.SetAnnotation(name, configKey, key)
}

// flags is the source for every annotated flag the user set explicitly.
func flags(cmd *cobra.Command) config.Source {
	return config.SourceFunc(func(store config.Store) error {
		var err error
		cmd.Flags().Visit(func(f *pflag.Flag) {
			key, ok := f.Annotations[configKey]
			if !ok || err != nil {
				return
			}
			if sv, isSlice := f.Value.(pflag.SliceValue); isSlice {
				err = store.Set(key, sv.GetSlice())
				return
			}
			err = store.Set(key, f.Value.String())
		})
		return err
	})
}

func (a *app) setup(cmd *cobra.Command) error {
	var srcs []config.Source
	if a.configFile != "" {
		f, err := os.Open(a.configFile)
		if err != nil {
			return err
		}
		srcs = append(srcs, config.FromYaml(f))
	}
	srcs = append(srcs, config.FromEnv(envPrefix), flags(cmd))
	m, err := config.Read(srcs...)
	if err != nil {
		return err
	}
	if err := m.Unmarshal(&a.settings); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level, err := obs.ParseLevel(a.settings.LogLevel)
	if err != nil {
		return err
	}
	zl, err := obs.NewProductionLogger(level, a.settings.Development)
	if err != nil {
		return err
	}
	a.zap = zl
	a.logger = obs.NewZapLogger(zl).Named(cmd.Name())

	a.reader = sdkmetric.NewManualReader()
	a.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(a.reader))
	otel.SetMeterProvider(a.provider)
	a.meter = obs.NewOtelMeter(otel.Meter("github.com/duderino/everscale-sub002"), func(err error) {
		a.logger.Logf(obs.Warn, "metrics: %v", err)
	})
	return nil
}

// teardown logs the final metric totals and flushes the logger.
func (a *app) teardown(ctx context.Context) error {
	if a.reader != nil {
		var rm metricdata.ResourceMetrics
		if err := a.reader.Collect(context.WithoutCancel(ctx), &rm); err == nil {
			for _, sm := range rm.ScopeMetrics {
				for _, m := range sm.Metrics {
					if sum, ok := m.Data.(metricdata.Sum[float64]); ok {
						var total float64
						for _, dp := range sum.DataPoints {
							total += dp.Value
						}
						a.logger.Logf(obs.Debug, "metric %s = %g", m.Name, total)
					}
				}
			}
		}
		_ = a.provider.Shutdown(context.WithoutCancel(ctx))
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
	return nil
}
