package version

import "runtime/debug"

// AppName is the binary name reported in logs, metrics and traces
const AppName = "shinylive-postrender"

// set via -ldflags "-X .../internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges ldflags values with what the Go toolchain stamped into the binary.
// ldflags win; VCS settings only fill gaps.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	if out.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		out.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil && (s.Value == "true" || s.Value == "false") {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}

// Short is the one-line form printed by -V
func (i Info) Short() string {
	dirty := "unknown"
	if i.VCSDirty != nil {
		if *i.VCSDirty {
			dirty = "true"
		} else {
			dirty = "false"
		}
	}
	return i.AppName + " " + i.Version +
		" (commit=" + i.Commit +
		", commit_date=" + i.CommitDate +
		", build_id=" + i.BuildId +
		", build_date=" + i.BuildDate +
		", go=" + i.GoVersion +
		", dirty=" + dirty + ")"
}
