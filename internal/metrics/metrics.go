package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/keithlinneman/shinylive-postrender/internal/version"
	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

// HookMetrics collects one run's worth of metrics. A post-render hook is not
// scraped, so the registry is flushed to a textfile or a Pushgateway at exit.
type HookMetrics struct {
	reg *prometheus.Registry

	buildInfo        *prometheus.GaugeVec
	runDuration      prometheus.Gauge
	lastRunTimestamp prometheus.Gauge
	lastRunSuccess   prometheus.Gauge
	stepDuration     *prometheus.GaugeVec
	filesCopied      prometheus.Counter
	bytesCopied      prometheus.Counter
	markerCreated    prometheus.Gauge
	bundleInfo       *prometheus.GaugeVec
	bundleDownloads  prometheus.Counter
	bundleBytes      prometheus.Counter
}

func New() *HookMetrics {
	m := &HookMetrics{
		reg: prometheus.NewRegistry(),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postrender_run_duration_seconds",
			Help: "Wall time of the last gated post-render run",
		}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postrender_last_run_timestamp_seconds",
			Help: "Unix timestamp of the last gated post-render run",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postrender_last_run_success",
			Help: "Whether the last gated run succeeded (1) or failed (0)",
		}),
		stepDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postrender_step_duration_seconds",
			Help: "Wall time of each hook step in the last run",
		}, []string{"step"}),
		filesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postrender_files_copied_total",
			Help: "Files copied from the asset bundle into the site output",
		}),
		bytesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postrender_bytes_copied_total",
			Help: "Bytes copied from the asset bundle into the site output",
		}),
		markerCreated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postrender_marker_created",
			Help: "Whether the last run had to create the marker file (1) or found it (0)",
		}),
		bundleInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postrender_asset_bundle_info",
			Help: "Asset bundle used by the last run (labels carry identity, value is always 1)",
		}, []string{"version", "sha256", "source"}),
		bundleDownloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postrender_asset_bundle_downloads_total",
			Help: "Asset bundle downloads (cache misses)",
		}),
		bundleBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postrender_asset_bundle_download_bytes_total",
			Help: "Compressed bytes downloaded for asset bundles",
		}),
	}
	m.reg.MustRegister(
		m.buildInfo,
		m.runDuration,
		m.lastRunTimestamp,
		m.lastRunSuccess,
		m.stepDuration,
		m.filesCopied,
		m.bytesCopied,
		m.markerCreated,
		m.bundleInfo,
		m.bundleDownloads,
		m.bundleBytes,
	)
	return m
}

// Gatherer exposes the registry, mainly for tests
func (m *HookMetrics) Gatherer() prometheus.Gatherer { return m.reg }

// set once at startup.
func (m *HookMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *HookMetrics) ObserveStep(step string, d time.Duration) {
	m.stepDuration.WithLabelValues(step).Set(d.Seconds())
}

func (m *HookMetrics) AddCopied(files int, bytes int64) {
	m.filesCopied.Add(float64(files))
	m.bytesCopied.Add(float64(bytes))
}

func (m *HookMetrics) SetMarkerCreated(created bool) {
	if created {
		m.markerCreated.Set(1)
	} else {
		m.markerCreated.Set(0)
	}
}

// ObserveBundle records which bundle was used; downloaded is non-zero only on a cache miss
func (m *HookMetrics) ObserveBundle(version, sha256, source string, downloaded int64) {
	m.bundleInfo.Reset()
	m.bundleInfo.WithLabelValues(version, sha256, source).Set(1)
	if downloaded > 0 {
		m.bundleDownloads.Inc()
		m.bundleBytes.Add(float64(downloaded))
	}
}

func (m *HookMetrics) SetRunResult(ok bool, started time.Time, d time.Duration) {
	m.runDuration.Set(d.Seconds())
	m.lastRunTimestamp.Set(float64(started.Unix()))
	if ok {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
}

// WriteTextfile atomically writes the registry in text exposition format for
// the node-exporter textfile collector.
func (m *HookMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return xerrors.Wrapf(err, "write metrics textfile %s", path)
	}
	return nil
}

// Push replaces the metrics grouped under job on the Pushgateway at url
func (m *HookMetrics) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.reg).PushContext(ctx); err != nil {
		return xerrors.Wrapf(err, "push metrics to %s", url)
	}
	return nil
}
