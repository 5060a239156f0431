// Package prof optionally streams CPU and allocation profiles to Pyroscope
// while a run is in progress; useful when bundle extraction is slow on CI.
package prof

import (
	"context"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/shinylive-postrender/internal/log"
	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string
}

// the hook is single goroutine and IO bound, so mutex/block profiles carry nothing
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseSpace,
}

// Start begins profiling and returns a stop func that uploads the final
// profile. The stop func is always non-nil and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Debug(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.Newf("invalid pyroscope server address (%q)", opts.ServerAddress)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		return noop, xerrors.Wrapf(err, "start pyroscope (server %s)", opts.ServerAddress)
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := profiler.Stop(); err != nil {
				L.Warn(context.Background(), "pyroscope stop failed", "error", err)
				return
			}
			L.Debug(context.Background(), "pyroscope stopped")
		})
	}, nil
}
