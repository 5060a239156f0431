// Package hook implements the post-render step of a site build: on a full
// render it drops the .nojekyll marker into the output directory and copies
// the Shinylive service worker and runtime out of the asset bundle.
package hook

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/shinylive-postrender/internal/assets"
	"github.com/keithlinneman/shinylive-postrender/internal/fsutil"
	"github.com/keithlinneman/shinylive-postrender/internal/log"
	"github.com/keithlinneman/shinylive-postrender/internal/otelx"
	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

const (
	DefaultGateEnv    = "QUARTO_PROJECT_RENDER_ALL"
	DefaultOutputDir  = "docs"
	DefaultMarkerName = ".nojekyll"
)

// Step names used for spans and metrics
const (
	StepMarker   = "marker"
	StepLocate   = "locate"
	StepCopyFile = "copy_file"
	StepCopyTree = "copy_tree"
)

// Locator resolves the local asset bundle directory
type Locator interface {
	Locate(ctx context.Context) (assets.Bundle, error)
}

// Observer receives run measurements. *metrics.HookMetrics satisfies it.
type Observer interface {
	ObserveStep(step string, d time.Duration)
	SetMarkerCreated(created bool)
	ObserveBundle(version, sha256, source string, downloaded int64)
	AddCopied(files int, bytes int64)
}

// Copy is one entry of the copy plan. Src is relative to the bundle dir,
// Dst to the output dir. Tree entries fail if Dst already exists; file
// entries overwrite.
type Copy struct {
	Src  string
	Dst  string
	Tree bool
}

// DefaultFiles is what a Shinylive site needs next to its pages
func DefaultFiles() []Copy {
	return []Copy{
		{Src: "serviceworker.js", Dst: "serviceworker.js"},
		{Src: "shinylive", Dst: "shinylive", Tree: true},
	}
}

type Options struct {
	Logger log.Logger

	// Getenv reads the gate variable (default os.Getenv)
	Getenv func(string) string
	// GateEnv must be non-empty for the hook to do anything
	GateEnv string

	OutputDir  string
	MarkerName string

	Locator Locator
	Files   []Copy

	// Metrics is optional
	Metrics Observer
}

type Result struct {
	Skipped       bool
	MarkerCreated bool
	AssetsDir     string
	FilesCopied   int
	BytesCopied   int64
	Bundle        assets.Bundle
}

type Hook struct {
	opts   Options
	logger log.Logger
}

// New creates a Hook with the given options
func New(opts Options) (*Hook, error) {
	if opts.Locator == nil {
		return nil, xerrors.New("locator is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.GateEnv == "" {
		opts.GateEnv = DefaultGateEnv
	}
	if opts.OutputDir == "" {
		opts.OutputDir = DefaultOutputDir
	}
	if opts.MarkerName == "" {
		opts.MarkerName = DefaultMarkerName
	}
	if opts.Files == nil {
		opts.Files = DefaultFiles()
	}
	return &Hook{
		opts:   opts,
		logger: opts.Logger.With("component", "hook"),
	}, nil
}

// GateSet reports whether the variable name is set to a non-empty value.
// Any value counts, including "0" and "false".
func GateSet(getenv func(string) string, name string) bool { return getenv(name) != "" }

// Enabled reports whether this run should do anything
func (h *Hook) Enabled() bool { return GateSet(h.opts.Getenv, h.opts.GateEnv) }

// Run performs the post-render step. When the gate is not set it returns a
// skipped Result and touches nothing. Errors are returned as-is from the
// first failing step; nothing is retried or rolled back.
func (h *Hook) Run(ctx context.Context) (Result, error) {
	if !h.Enabled() {
		h.logger.Info(ctx, "not a full render, skipping post-render", "gate_env", h.opts.GateEnv)
		return Result{Skipped: true}, nil
	}

	ctx, span := otelx.Tracer().Start(ctx, "hook.run", trace.WithAttributes(
		attribute.String("hook.output_dir", h.opts.OutputDir),
	))
	defer span.End()

	res, err := h.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "post-render failed")
		return res, err
	}
	span.SetAttributes(
		attribute.Int("hook.files_copied", res.FilesCopied),
		attribute.Int64("hook.bytes_copied", res.BytesCopied),
	)
	return res, nil
}

func (h *Hook) run(ctx context.Context) (Result, error) {
	var res Result
	out := h.opts.OutputDir

	h.logger.Info(ctx, "post-render starting", "output_dir", out)

	marker := filepath.Join(out, h.opts.MarkerName)
	err := h.step(ctx, StepMarker, func(ctx context.Context) error {
		created, err := fsutil.Touch(marker)
		if err != nil {
			return xerrors.Wrap(err, "create marker")
		}
		res.MarkerCreated = created
		h.logger.Debug(ctx, "marker ready", "path", marker, "created", created)
		return nil
	}, attribute.String("marker.path", marker))
	if err != nil {
		return res, err
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.SetMarkerCreated(res.MarkerCreated)
	}

	err = h.step(ctx, StepLocate, func(ctx context.Context) error {
		b, err := h.opts.Locator.Locate(ctx)
		if err != nil {
			return xerrors.Wrap(err, "locate asset bundle")
		}
		res.Bundle = b
		res.AssetsDir = b.Dir
		return nil
	})
	if err != nil {
		return res, err
	}
	h.logger.Info(ctx, "asset bundle located",
		"dir", res.Bundle.Dir,
		"version", res.Bundle.Version,
		"source", res.Bundle.Source,
		"fetched", res.Bundle.Fetched,
	)
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveBundle(res.Bundle.Version, res.Bundle.SHA256, res.Bundle.Source, res.Bundle.ArchiveBytes)
	}

	for _, c := range h.opts.Files {
		src := filepath.Join(res.AssetsDir, c.Src)
		dst := filepath.Join(out, c.Dst)
		attrs := []attribute.KeyValue{attribute.String("copy.src", src), attribute.String("copy.dst", dst)}

		var files int
		var nbytes int64
		if c.Tree {
			err = h.step(ctx, StepCopyTree, func(context.Context) error {
				st, err := fsutil.CopyTree(src, dst)
				files, nbytes = st.Files, st.Bytes
				return xerrors.Wrapf(err, "copy %s", c.Src)
			}, attrs...)
		} else {
			err = h.step(ctx, StepCopyFile, func(context.Context) error {
				n, err := fsutil.CopyFile(src, dst)
				if err == nil {
					files = 1
				}
				nbytes = n
				return xerrors.Wrapf(err, "copy %s", c.Src)
			}, attrs...)
		}
		res.FilesCopied += files
		res.BytesCopied += nbytes
		if h.opts.Metrics != nil {
			h.opts.Metrics.AddCopied(files, nbytes)
		}
		if err != nil {
			return res, err
		}
		h.logger.Info(ctx, "copied", "src", src, "dst", dst, "files", files, "bytes", nbytes)
	}

	h.logger.Info(ctx, "post-render complete",
		"output_dir", out,
		"files", res.FilesCopied,
		"bytes", res.BytesCopied,
		"marker_created", res.MarkerCreated,
	)
	return res, nil
}

// step runs fn in a span named hook.<name> and records its duration
func (h *Hook) step(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := otelx.Tracer().Start(ctx, "hook."+name, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveStep(name, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}
