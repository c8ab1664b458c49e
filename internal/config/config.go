// Package config declares the scanner's configuration: every recognized
// option, its default, and the one-time enrichment that derives the run's
// temp directory and install reference. A Config is constructed once in
// cmd, enriched once by Finish, and passed by reference through the
// pipeline, never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// TempFolderPrefix marks the per-run working directories so leftovers from
// previous runs can be recognized and removed.
const TempFolderPrefix = "conan_scanner_pre_process_"

// Config holds every option the scanner recognizes.
type Config struct {
	// Connection.
	URL      string `toml:"url"`
	UserKey  string `toml:"userKey"`
	OrgToken string `toml:"orgToken"`

	// Scan target identification. Tokens win over names when both are set.
	ProductToken string `toml:"productToken"`
	ProductName  string `toml:"productName"`
	ProjectToken string `toml:"projectToken"`
	ProjectName  string `toml:"projectName"`

	// Paths.
	ProjectPath        string `toml:"projectPath"`        // directory holding conanfile.txt / conanfile.py
	UnifiedAgentPath   string `toml:"unifiedAgentPath"`   // directory holding the scanning agent; defaults to ProjectPath
	ConanInstallFolder string `toml:"conanInstallFolder"` // parent of the per-run temp dir; defaults to ProjectPath
	LogFilePath        string `toml:"logFilePath"`        // directory for the run log file, empty disables

	// Conan behavior.
	ProfileName          string   `toml:"conanProfileName"`
	MainPackage          string   `toml:"conanMainPackage"` // explicit name/version[@user/channel] coordinate
	ResolveMainPackage   bool     `toml:"resolveConanMainPackage"`
	IncludeBuildRequires bool     `toml:"includeBuildRequiresPackages"`
	RunPreStep           bool     `toml:"conanRunPreStep"`
	AdditionalCommands   []string `toml:"additionalCommands"`

	// Pipeline behavior.
	ChangeOriginLibrary bool          `toml:"changeOriginLibrary"`
	KeepInstallFolder   bool          `toml:"keepConanInstallFolderAfterRun"`
	IndexURL            string        `toml:"indexUrl"`
	ScanPollTimeout     time.Duration `toml:"-"` // zero disables the bound

	// Derived once by Finish.
	DateTimeNow string // run timestamp, YYYYMMDDHHMMSSffffff
	RunID       string // short unique run identifier
	TempDir     string // <ConanInstallFolder>/conan_scanner_pre_process_<timestamp>
	InstallRef  string // ProjectPath, or MainPackage with "@" appended when bare
}

// Default returns a Config carrying every option's default value.
func Default() *Config {
	return &Config{
		ProfileName:          "default",
		ResolveMainPackage:   true,
		IncludeBuildRequires: true,
		ChangeOriginLibrary:  true,
		ScanPollTimeout:      time.Hour,
	}
}

// LoadFile overlays TOML values from path onto c. Options absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return nil
}

// Finish validates the required options and performs the one-time
// enrichment. After Finish returns, the Config is read-only.
func (c *Config) Finish(now time.Time) error {
	if c.URL == "" || c.UserKey == "" || c.OrgToken == "" {
		return fmt.Errorf("url, userKey and orgToken are required")
	}
	if c.ProjectPath == "" {
		return fmt.Errorf("projectPath is required")
	}
	abs, err := filepath.Abs(c.ProjectPath)
	if err != nil {
		return fmt.Errorf("cannot resolve projectPath %q: %w", c.ProjectPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("projectPath %q is not a directory", abs)
	}
	c.ProjectPath = abs

	if c.UnifiedAgentPath == "" {
		c.UnifiedAgentPath = c.ProjectPath
	}
	if c.ConanInstallFolder == "" {
		c.ConanInstallFolder = c.ProjectPath
	}
	if c.IndexURL == "" {
		c.IndexURL = defaultIndexURL
	}

	c.DateTimeNow = now.Format("20060102150405.000000")
	c.DateTimeNow = strings.ReplaceAll(c.DateTimeNow, ".", "")
	c.RunID = uuid.NewString()[:8]
	c.TempDir = filepath.Join(c.ConanInstallFolder, TempFolderPrefix+c.DateTimeNow)

	c.InstallRef = c.ProjectPath
	if c.MainPackage != "" {
		c.InstallRef = c.MainPackage
		if !strings.Contains(c.InstallRef, "@") {
			c.InstallRef += "@"
		}
	}
	return nil
}

// AuditComment returns the comment attached to every reassignment call.
func (c *Config) AuditComment() string {
	return fmt.Sprintf("Source files changed by conan scan_%s_%s", c.DateTimeNow, c.RunID)
}

// defaultIndexURL is duplicated here rather than imported from the index
// package to keep config free of pipeline dependencies.
const defaultIndexURL = "https://unified-agent.s3.amazonaws.com/conan_index_url_map.csv"
