// Package quarto reads the bits of a Quarto project the hook needs: where
// the rendered site is written.
package quarto

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

// EnvOutputDir is set by quarto for pre- and post-render scripts
const EnvOutputDir = "QUARTO_PROJECT_OUTPUT_DIR"

// DefaultOutputDir is used when nothing else names an output directory
const DefaultOutputDir = "docs"

// ConfigNames are the project files quarto recognizes, in lookup order
var ConfigNames = []string{"_quarto.yml", "_quarto.yaml"}

// Where an output directory came from
const (
	FromFlag    = "flag"
	FromEnv     = "env"
	FromConfig  = "config"
	FromDefault = "default"
)

type projectFile struct {
	Project struct {
		OutputDir string `yaml:"output-dir"`
	} `yaml:"project"`
}

// OutputDir returns project.output-dir from the project config in
// projectDir, or "" when there is no config file or the key is unset.
func OutputDir(projectDir string) (string, error) {
	for _, name := range ConfigNames {
		path := filepath.Join(projectDir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", xerrors.Wrapf(err, "read %s", path)
		}

		var pf projectFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return "", xerrors.Wrapf(err, "parse %s", path)
		}
		return strings.TrimSpace(pf.Project.OutputDir), nil
	}
	return "", nil
}

// ResolveOutputDir picks the site output directory. An explicit value wins,
// then the quarto environment, then the project config, then "docs".
// Relative env and config values are taken relative to projectDir.
func ResolveOutputDir(explicit string, getenv func(string) string, projectDir string) (dir, from string, err error) {
	if explicit != "" {
		return explicit, FromFlag, nil
	}
	if getenv != nil {
		if v := strings.TrimSpace(getenv(EnvOutputDir)); v != "" {
			return relTo(projectDir, v), FromEnv, nil
		}
	}
	v, err := OutputDir(projectDir)
	if err != nil {
		return "", "", err
	}
	if v != "" {
		return relTo(projectDir, v), FromConfig, nil
	}
	return relTo(projectDir, DefaultOutputDir), FromDefault, nil
}

func relTo(base, p string) string {
	if filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}
