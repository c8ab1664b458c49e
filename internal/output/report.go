// Package output serializes run results.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ramibo/ws-conan-scanner/internal/conan"
	"github.com/ramibo/ws-conan-scanner/internal/scanner"
)

// Report is the JSON summary written at the end of a run: one entry per
// dependency with its resolution outcome, plus the directories handed to
// the scanning agent.
type Report struct {
	GeneratedAt  time.Time          `json:"generatedAt"`
	Organization string             `json:"organization"`
	ElapsedMS    int64              `json:"elapsedMs"`
	ScanDirs     []string           `json:"scanDirs"`
	Dependencies []ReportDependency `json:"dependencies"`
}

// ReportDependency is one dependency's resolution summary.
type ReportDependency struct {
	Reference      string `json:"reference"`
	Revision       string `json:"revision,omitempty"`
	SourceFolder   string `json:"sourceFolder,omitempty"`
	RecoveredDir   string `json:"recoveredDir,omitempty"`
	DownloadURL    string `json:"downloadUrl,omitempty"`
	KeyUUID        string `json:"keyUuid,omitempty"`
	AccurateFiles  int    `json:"accurateFiles"`
	BuildRequire   bool   `json:"buildRequire,omitempty"`
}

// WriteReport serializes the run result as indented JSON to outputPath,
// or to stdout when outputPath is "-".
func WriteReport(result *scanner.Result, outputPath string) error {
	report := Report{
		GeneratedAt:  time.Now().UTC(),
		Organization: result.OrgName,
		ElapsedMS:    result.Elapsed.Milliseconds(),
		ScanDirs:     result.ScanDirs,
		Dependencies: make([]ReportDependency, 0, len(result.Dependencies)),
	}
	for _, dep := range result.Dependencies {
		report.Dependencies = append(report.Dependencies, summarize(dep))
	}
	return writeJSON(outputPath, report)
}

func summarize(dep *conan.Dependency) ReportDependency {
	return ReportDependency{
		Reference:     dep.Reference,
		Revision:      dep.Revision,
		SourceFolder:  dep.SourceFolder,
		RecoveredDir:  dep.RecoveredDir,
		DownloadURL:   dep.DownloadURL,
		KeyUUID:       dep.KeyUUID,
		AccurateFiles: dep.MatchCounter,
		BuildRequire:  dep.BuildRequire,
	}
}

// writeJSON marshals v as indented JSON and writes it to outputPath (or stdout if "-").
func writeJSON(outputPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report JSON: %w", err)
	}

	if outputPath == "-" {
		_, err = os.Stdout.Write(data)
		if err == nil {
			_, err = os.Stdout.WriteString("\n")
		}
		return err
	}

	return os.WriteFile(outputPath, append(data, '\n'), 0644)
}
