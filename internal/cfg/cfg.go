package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/shinylive-postrender/internal/cryptoutil"
	"github.com/keithlinneman/shinylive-postrender/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment
const EnvPrefix = "POSTRENDER_"

const (
	SourceHTTPS = "https"
	SourceS3    = "s3"
)

// DefaultAssetsURL is the published shinylive release layout; {version} and
// {name} are substituted at fetch time
const DefaultAssetsURL = "https://github.com/posit-dev/shinylive/releases/download/v{version}/{name}"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	GateEnv    string
	ProjectDir string
	OutputDir  string
	MarkerName string

	AssetsDir            string
	AssetsVersion        string
	AssetsCacheDir       string
	AssetsSource         string
	AssetsURL            string
	AssetsS3Bucket       string
	AssetsS3Prefix       string
	AssetsSHA256         string
	AssetsSHA256SSMParam string

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	MetricsTextfile    string
	MetricsPushgateway string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", false, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error call sites in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 8, "max error chain depth (1..64)")

	fs.StringVar(&c.GateEnv, "gate-env", "QUARTO_PROJECT_RENDER_ALL", "environment variable that must be non-empty for the hook to run")
	fs.StringVar(&c.ProjectDir, "project-dir", ".", "site project directory (holds _quarto.yml)")
	fs.StringVar(&c.OutputDir, "output-dir", "", "site output directory (default: QUARTO_PROJECT_OUTPUT_DIR, then _quarto.yml project.output-dir, then docs)")
	fs.StringVar(&c.MarkerName, "marker-name", ".nojekyll", "empty marker file created in the output directory")

	fs.StringVar(&c.AssetsDir, "assets-dir", "", "use this extracted shinylive bundle instead of the cache (never downloads)")
	fs.StringVar(&c.AssetsVersion, "assets-version", "0.9.1", "shinylive bundle version")
	fs.StringVar(&c.AssetsCacheDir, "assets-cache-dir", "", "bundle cache directory (default: <user cache dir>/shiny/shinylive)")
	fs.StringVar(&c.AssetsSource, "assets-source", SourceHTTPS, "where to download bundles from: https|s3")
	fs.StringVar(&c.AssetsURL, "assets-url", DefaultAssetsURL, "bundle URL template for -assets-source=https ({version}, {name})")
	fs.StringVar(&c.AssetsS3Bucket, "assets-s3-bucket", "", "s3 bucket holding mirrored bundles for -assets-source=s3")
	fs.StringVar(&c.AssetsS3Prefix, "assets-s3-prefix", "shinylive", "s3 key prefix for mirrored bundles")
	fs.StringVar(&c.AssetsSHA256, "assets-sha256", "", "expected sha256 of the bundle archive")
	fs.StringVar(&c.AssetsSHA256SSMParam, "assets-sha256-ssm-param", "", "ssm parameter holding the expected sha256 of the bundle archive")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "write run metrics to this node-exporter textfile (.prom)")
	fs.StringVar(&c.MetricsPushgateway, "metrics-pushgateway", "", "push run metrics to this Pushgateway URL")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Hook
	if strings.TrimSpace(c.GateEnv) == "" {
		errs = append(errs, fmt.Errorf("GATE_ENV is required"))
	}
	if c.MarkerName == "" || c.MarkerName != filepath.Base(c.MarkerName) || c.MarkerName == "." || c.MarkerName == ".." {
		errs = append(errs, fmt.Errorf("MARKER_NAME must be a plain file name (got %q)", c.MarkerName))
	}

	// Assets
	if c.AssetsDir == "" {
		if c.AssetsVersion == "" {
			errs = append(errs, fmt.Errorf("ASSETS_VERSION is required unless ASSETS_DIR is set"))
		} else if strings.ContainsAny(c.AssetsVersion, `/\`) {
			errs = append(errs, fmt.Errorf("ASSETS_VERSION must not contain path separators (got %q)", c.AssetsVersion))
		}
		switch c.AssetsSource {
		case SourceHTTPS:
			if u, err := url.Parse(c.AssetsURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
				errs = append(errs, fmt.Errorf("ASSETS_URL must be an http(s) URL (got %q)", c.AssetsURL))
			}
		case SourceS3:
			if c.AssetsS3Bucket == "" {
				errs = append(errs, fmt.Errorf("ASSETS_S3_BUCKET required when ASSETS_SOURCE=s3"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid ASSETS_SOURCE %q (must be https|s3)", c.AssetsSource))
		}
	}
	if c.AssetsSHA256 != "" && !cryptoutil.ValidSHA256Hex(c.AssetsSHA256) {
		errs = append(errs, fmt.Errorf("ASSETS_SHA256 must be a 64 character hex digest"))
	}
	if c.AssetsSHA256 != "" && c.AssetsSHA256SSMParam != "" {
		errs = append(errs, fmt.Errorf("ASSETS_SHA256 and ASSETS_SHA256_SSM_PARAM are mutually exclusive"))
	}

	// Tracing
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	// Metrics
	if c.MetricsPushgateway != "" {
		if u, err := url.Parse(c.MetricsPushgateway); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("METRICS_PUSHGATEWAY must be a URL (got %q)", c.MetricsPushgateway))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
