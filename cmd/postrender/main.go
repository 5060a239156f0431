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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/shinylive-postrender/internal/assets"
	"github.com/keithlinneman/shinylive-postrender/internal/cfg"
	"github.com/keithlinneman/shinylive-postrender/internal/hook"
	"github.com/keithlinneman/shinylive-postrender/internal/log"
	"github.com/keithlinneman/shinylive-postrender/internal/metrics"
	"github.com/keithlinneman/shinylive-postrender/internal/otelx"
	"github.com/keithlinneman/shinylive-postrender/internal/prof"
	"github.com/keithlinneman/shinylive-postrender/internal/quarto"
	v "github.com/keithlinneman/shinylive-postrender/internal/version"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process exit so tests can drive it
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	fs := flag.NewFlagSet(v.AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.Register(fs, &conf)
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	if showVersion {
		fmt.Fprintln(stdout, vi.Short())
		return exitOK
	}

	// Fill in config from environment variables with prefix POSTRENDER_ and validate
	cfg.FillFromEnv(fs, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return exitConfig
	}

	// Setup logging; Validate already checked the levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
		Writer:            stderr,
	})
	if err != nil {
		fmt.Fprintln(stderr, "logger init error:", err)
		return exitConfig
	}
	defer lg.Sync()
	L := lg.With("component", "postrender")
	ctx = log.WithContext(ctx, L)

	// skipped runs must not write anything, so stop before telemetry and metrics
	if !hook.GateSet(os.Getenv, conf.GateEnv) {
		L.Info(ctx, "not a full render, skipping post-render", "gate_env", conf.GateEnv)
		return exitOK
	}

	L.Info(ctx, "initializing post-render",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"project_dir", conf.ProjectDir,
		"assets_version", conf.AssetsVersion,
		"assets_source", conf.AssetsSource,
		"assets_dir", conf.AssetsDir,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "postrender",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "postrender",
		Version:   vi.Version,
	})
	if err != nil {
		// tracing is optional; the site build goes on without it
		L.Error(ctx, err, "otel init failed", "otlp_endpoint", conf.OTLPEndpoint)
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(shutdownCtx); err != nil {
			L.Warn(ctx, "otel shutdown", "error", err)
		}
	}()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "postrender", vi)

	started := time.Now()
	err = execute(ctx, conf, vi, L, m)
	m.SetRunResult(err == nil, started, time.Since(started))
	emitMetrics(ctx, conf, m, L)

	if err != nil {
		L.Error(ctx, err, "post-render failed")
		return exitFailed
	}
	return exitOK
}

// execute builds the locator and hook and runs it once
func execute(ctx context.Context, conf cfg.App, vi v.Info, L log.Logger, m *metrics.HookMetrics) error {
	outDir, from, err := quarto.ResolveOutputDir(conf.OutputDir, os.Getenv, conf.ProjectDir)
	if err != nil {
		return err
	}
	L.Info(ctx, "resolved output directory", "output_dir", outDir, "from", from)

	loc, err := newLocator(ctx, conf, vi, L)
	if err != nil {
		return err
	}

	h, err := hook.New(hook.Options{
		Logger:     L,
		Getenv:     os.Getenv,
		GateEnv:    conf.GateEnv,
		OutputDir:  outDir,
		MarkerName: conf.MarkerName,
		Locator:    loc,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	_, err = h.Run(ctx)
	return err
}

// newLocator wires the asset locator for the configured source. AWS config
// is only loaded when S3 or SSM is actually used.
func newLocator(ctx context.Context, conf cfg.App, vi v.Info, L log.Logger) (*assets.Locator, error) {
	opts := assets.Options{
		Logger:   L,
		Dir:      conf.AssetsDir,
		Version:  conf.AssetsVersion,
		CacheDir: conf.AssetsCacheDir,
	}
	if conf.AssetsDir != "" {
		return assets.New(opts)
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := assets.LoadAWSConfig(ctx)
			if err != nil {
				return aws.Config{}, err
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	switch conf.AssetsSource {
	case cfg.SourceS3:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		opts.Fetcher = &assets.S3Fetcher{
			Client: s3.NewFromConfig(c),
			Bucket: conf.AssetsS3Bucket,
			Prefix: conf.AssetsS3Prefix,
		}
	default:
		opts.Fetcher = assets.NewHTTPFetcher(conf.AssetsURL, conf.AssetsVersion, v.AppName+"/"+vi.Version)
	}

	switch {
	case conf.AssetsSHA256 != "":
		opts.Checksum = assets.StaticChecksum(conf.AssetsSHA256)
	case conf.AssetsSHA256SSMParam != "":
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		opts.Checksum = assets.SSMChecksum{Client: ssm.NewFromConfig(c), Param: conf.AssetsSHA256SSMParam}
	}

	return assets.New(opts)
}

// emitMetrics writes the run metrics wherever configured. Failures are
// logged and never change the exit code.
func emitMetrics(ctx context.Context, conf cfg.App, m *metrics.HookMetrics, L log.Logger) {
	if conf.MetricsTextfile != "" {
		if err := m.WriteTextfile(conf.MetricsTextfile); err != nil {
			L.Warn(ctx, "failed to write metrics textfile", "path", conf.MetricsTextfile, "error", err)
		}
	}
	if conf.MetricsPushgateway != "" {
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := m.Push(pushCtx, conf.MetricsPushgateway, v.AppName); err != nil {
			L.Warn(ctx, "failed to push metrics", "url", conf.MetricsPushgateway, "error", err)
		}
	}
}
