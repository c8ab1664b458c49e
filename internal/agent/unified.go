package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ramibo/ws-conan-scanner/internal/conan"
)

// reSupportToken extracts the tracking token from the agent's output:
//
//	Support Token: a1b2c3d4e5
var reSupportToken = regexp.MustCompile(`Support Token:\s*(\S+)`)

// UnifiedAgent runs the stand-alone scanning agent jar found in Path.
// The agent is configured through a generated properties file and invoked
// once per run with every target directory.
type UnifiedAgent struct {
	Path     string // directory containing the agent jar
	JarName  string // defaults to "wss-unified-agent.jar"
	URL      string
	UserKey  string
	OrgToken string
	Logger   *log.Logger

	run conan.Runner
}

// NewUnifiedAgent creates an agent wrapper around the jar in path.
func NewUnifiedAgent(path, url, userKey, orgToken string, logger *log.Logger) *UnifiedAgent {
	return &UnifiedAgent{
		Path:     path,
		JarName:  "wss-unified-agent.jar",
		URL:      url,
		UserKey:  userKey,
		OrgToken: orgToken,
		Logger:   logger,
		run:      conan.ExecRunner,
	}
}

// Scan writes the agent configuration, invokes the jar against req.Dirs and
// parses the summary plus tracking token from its output.
func (a *UnifiedAgent) Scan(ctx context.Context, req Request) (Result, error) {
	confPath := filepath.Join(a.Path, "wss-generated.config")
	if err := os.WriteFile(confPath, []byte(a.configFile(req)), 0o600); err != nil {
		return Result{}, fmt.Errorf("cannot write agent config: %w", err)
	}

	args := []string{
		"-jar", filepath.Join(a.Path, a.JarName),
		"-c", confPath,
		"-d", strings.Join(req.Dirs, ","),
	}
	a.Logger.Info("invoking scanning agent", "dirs", len(req.Dirs))
	out, err := a.run(ctx, "java", args...)
	summary := string(out)
	if err != nil {
		return Result{Summary: summary}, fmt.Errorf("scanning agent failed: %w", err)
	}

	m := reSupportToken.FindStringSubmatch(summary)
	if m == nil {
		return Result{Summary: summary}, fmt.Errorf("scanning agent output carries no support token")
	}
	return Result{Summary: summary, TrackingToken: m[1]}, nil
}

// configFile renders the agent properties for one request.
func (a *UnifiedAgent) configFile(req Request) string {
	var b strings.Builder
	prop := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s=%s\n", key, value)
		}
	}
	prop("wss.url", a.URL+"/agent")
	prop("userKey", a.UserKey)
	prop("apiKey", a.OrgToken)
	prop("productName", req.ProductName)
	prop("productToken", req.ProductToken)
	prop("projectName", req.ProjectName)
	prop("projectToken", req.ProjectToken)
	prop("includes", strings.Join(req.Config.Includes, " "))
	prop("excludes", strings.Join(req.Config.Excludes, " "))
	prop("archiveExtractionDepth", fmt.Sprintf("%d", req.Config.ArchiveExtractionDepth))
	prop("archiveIncludes", "**/*.tar.gz **/*.tgz **/*.zip **/*.tar **/*.tar.bz2 **/*.7z")
	prop("log.level", req.Config.LogLevel)
	return b.String()
}
