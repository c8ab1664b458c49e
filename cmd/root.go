package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ramibo/ws-conan-scanner/internal/agent"
	"github.com/ramibo/ws-conan-scanner/internal/backend"
	"github.com/ramibo/ws-conan-scanner/internal/conan"
	"github.com/ramibo/ws-conan-scanner/internal/config"
	"github.com/ramibo/ws-conan-scanner/internal/output"
	"github.com/ramibo/ws-conan-scanner/internal/scanner"
)

const toolVersion = "1.0.0"

var (
	flagConfigFile string
	flagVerbose    bool
	flagReport     string
	cfg            = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "conan-scanner",
	Short: "Conan project scanner for software composition analysis",
	Long: `conan-scanner orchestrates a composition-analysis scan of a Conan-managed
C/C++ project:

  1. maps the full dependency graph with the conan CLI
  2. recovers missing dependency sources from the conan cache, the package
     recipes, or direct archive download
  3. cross-references upstream archive URLs against the canonical library
     index and syncs verified identities with the backend
  4. uploads every resolved source directory through the scanning agent
  5. re-attributes mis-mapped source files to the correct library records`,
	SilenceUsage: true,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a Conan project and reconcile source-file attribution",
	Long: `Scan a Conan project directory and reconcile its source-file attribution.

Examples:
  conan-scanner scan -d /path/to/project -u https://app.example.com -k KEY -t TOKEN --productName P --projectName J
  conan-scanner scan --config scanner.toml -d . --verbose`,
	RunE: runScan,
}

func init() {
	f := scanCmd.Flags()

	f.StringVar(&flagConfigFile, "config", "", "Optional TOML config file; flags override file values")
	f.StringVarP(&cfg.ProjectPath, "projectPath", "d", "", "Directory containing conanfile.txt / conanfile.py")
	f.StringVarP(&cfg.URL, "url", "u", "", "The backend organization URL")
	f.StringVarP(&cfg.UserKey, "userKey", "k", "", "The admin user key")
	f.StringVarP(&cfg.OrgToken, "orgToken", "t", "", "The organization token")
	f.StringVar(&cfg.ProductToken, "productToken", "", "Product token (alternative to productName)")
	f.StringVar(&cfg.ProductName, "productName", "", "Product name")
	f.StringVar(&cfg.ProjectToken, "projectToken", "", "Project token (alternative to projectName)")
	f.StringVar(&cfg.ProjectName, "projectName", "", "Project name")
	f.StringVarP(&cfg.UnifiedAgentPath, "unifiedAgentPath", "a", "", "Directory containing the scanning agent (defaults to projectPath)")
	f.StringVarP(&cfg.ConanInstallFolder, "conanInstallFolder", "i", "", "Parent folder for the per-run temp directory (defaults to projectPath)")
	f.StringVarP(&cfg.LogFilePath, "logFilePath", "l", "", "Directory for the run log file")
	f.StringVarP(&cfg.ProfileName, "conanProfileName", "f", cfg.ProfileName, "The conan profile name")
	f.StringVarP(&cfg.MainPackage, "conanMainPackage", "m", "", "Explicit name/version[@user/channel] of the project's own package")
	f.BoolVarP(&cfg.ResolveMainPackage, "resolveConanMainPackage", "r", cfg.ResolveMainPackage, "Extract the conanfile.py recipe's own sources via conan source")
	f.BoolVarP(&cfg.IncludeBuildRequires, "includeBuildRequiresPackages", "b", cfg.IncludeBuildRequires, "List build requirements too (conan info --dry-build)")
	f.BoolVarP(&cfg.RunPreStep, "conanRunPreStep", "p", cfg.RunPreStep, "Run conan install --build before source recovery")
	f.BoolVarP(&cfg.ChangeOriginLibrary, "changeOriginLibrary", "g", cfg.ChangeOriginLibrary, "Re-attribute mis-mapped source files after the scan")
	f.BoolVarP(&cfg.KeepInstallFolder, "keepConanInstallFolderAfterRun", "s", cfg.KeepInstallFolder, "Keep (rename into the project) the temp folder after the run")
	f.StringSliceVarP(&cfg.AdditionalCommands, "additionalCommands", "q", nil, "Additional shell commands to run before scanning")
	f.StringVar(&cfg.IndexURL, "indexUrl", "", "Canonical library index URL override")
	f.DurationVar(&cfg.ScanPollTimeout, "scanPollTimeout", cfg.ScanPollTimeout, "Upper bound on waiting for the scan upload (0 waits forever)")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	f.StringVarP(&flagReport, "report", "o", "", "Write a JSON run report to this path ('-' for stdout)")

	rootCmd.AddCommand(scanCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	// Config file values fill in whatever the flags did not set.
	if flagConfigFile != "" {
		fileCfg := config.Default()
		if err := fileCfg.LoadFile(flagConfigFile); err != nil {
			return err
		}
		mergeUnchanged(cmd, fileCfg)
	}

	if err := cfg.Finish(time.Now()); err != nil {
		return err
	}

	logger := newLogger()
	logger.Info("conan-scanner", "version", toolVersion)

	client := backend.NewHTTPClient(cfg.URL, cfg.UserKey, cfg.OrgToken)
	ua := agent.NewUnifiedAgent(cfg.UnifiedAgentPath, cfg.URL, cfg.UserKey, cfg.OrgToken, logger)

	pipeline := &scanner.Pipeline{
		Config:  cfg,
		Conan:   conan.New(logger),
		Backend: client,
		Agent:   ua,
		Logger:  logger,
	}

	result, err := pipeline.Run(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("finished conan scan", "elapsed", result.Elapsed.Round(time.Second))

	if flagReport != "" {
		if err := output.WriteReport(result, flagReport); err != nil {
			return fmt.Errorf("failed to write run report: %w", err)
		}
	}
	return nil
}

// mergeUnchanged copies file-configured values over cfg for every option
// whose flag was not set on the command line.
func mergeUnchanged(cmd *cobra.Command, fileCfg *config.Config) {
	changed := func(name string) bool { return cmd.Flags().Changed(name) }

	copyStr := func(flag string, dst, src *string) {
		if !changed(flag) && *src != "" {
			*dst = *src
		}
	}
	copyBool := func(flag string, dst, src *bool) {
		if !changed(flag) {
			*dst = *src
		}
	}

	copyStr("projectPath", &cfg.ProjectPath, &fileCfg.ProjectPath)
	copyStr("url", &cfg.URL, &fileCfg.URL)
	copyStr("userKey", &cfg.UserKey, &fileCfg.UserKey)
	copyStr("orgToken", &cfg.OrgToken, &fileCfg.OrgToken)
	copyStr("productToken", &cfg.ProductToken, &fileCfg.ProductToken)
	copyStr("productName", &cfg.ProductName, &fileCfg.ProductName)
	copyStr("projectToken", &cfg.ProjectToken, &fileCfg.ProjectToken)
	copyStr("projectName", &cfg.ProjectName, &fileCfg.ProjectName)
	copyStr("unifiedAgentPath", &cfg.UnifiedAgentPath, &fileCfg.UnifiedAgentPath)
	copyStr("conanInstallFolder", &cfg.ConanInstallFolder, &fileCfg.ConanInstallFolder)
	copyStr("logFilePath", &cfg.LogFilePath, &fileCfg.LogFilePath)
	copyStr("conanProfileName", &cfg.ProfileName, &fileCfg.ProfileName)
	copyStr("conanMainPackage", &cfg.MainPackage, &fileCfg.MainPackage)
	copyStr("indexUrl", &cfg.IndexURL, &fileCfg.IndexURL)
	copyBool("resolveConanMainPackage", &cfg.ResolveMainPackage, &fileCfg.ResolveMainPackage)
	copyBool("includeBuildRequiresPackages", &cfg.IncludeBuildRequires, &fileCfg.IncludeBuildRequires)
	copyBool("conanRunPreStep", &cfg.RunPreStep, &fileCfg.RunPreStep)
	copyBool("changeOriginLibrary", &cfg.ChangeOriginLibrary, &fileCfg.ChangeOriginLibrary)
	copyBool("keepConanInstallFolderAfterRun", &cfg.KeepInstallFolder, &fileCfg.KeepInstallFolder)
	if !changed("additionalCommands") && len(fileCfg.AdditionalCommands) > 0 {
		cfg.AdditionalCommands = fileCfg.AdditionalCommands
	}
}

// newLogger builds the run logger: stderr by default, or a timestamped log
// file when logFilePath is configured.
func newLogger() *charmlog.Logger {
	level := charmlog.InfoLevel
	if flagVerbose {
		level = charmlog.DebugLevel
	}

	var out *os.File = os.Stderr
	if cfg.LogFilePath != "" {
		name := filepath.Join(cfg.LogFilePath, "conan_scanner_log_"+cfg.DateTimeNow+".log")
		if f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		} else {
			fmt.Fprintf(os.Stderr, "cannot open log file %s: %v\n", name, err)
		}
	}

	return charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
		Level:           level,
	})
}
