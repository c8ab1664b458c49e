package conan

import (
	"context"
	"fmt"
	"strings"
)

// profileSettings is the fixed set of build-profile settings the scanner
// needs. os_build and arch_build disambiguate platform-keyed download URLs
// in conandata.yml; the rest are captured for diagnostics.
var profileSettings = []string{
	"os",
	"os_build",
	"arch",
	"arch_build",
	"compiler",
	"compiler.runtime",
	"compiler.version",
	"build_type",
}

// Profile is a flat mapping of conan profile settings (os, arch, compiler,
// build type) to their values. It is built once by ResolveProfile and passed
// by value through the pipeline, never as ambient state.
type Profile map[string]string

// OSBuild returns the build-platform OS setting ("Linux", "Windows", ...).
func (p Profile) OSBuild() string { return p["os_build"] }

// ArchBuild returns the build-platform architecture setting ("x86_64", ...).
func (p Profile) ArchBuild() string { return p["arch_build"] }

// ResolveProfile validates that the named conan profile exists and extracts
// the settings the pipeline needs, one `conan profile get` per setting.
// A missing profile is a fatal precondition.
func (t *Tool) ResolveProfile(ctx context.Context, name string) (Profile, error) {
	if out, err := t.exec(ctx, "profile", "show", name); err != nil {
		t.Logger.Error(strings.TrimSpace(out))
		return nil, fmt.Errorf("conan profile %q was not found: %w", name, err)
	}

	profile := Profile{}
	for _, setting := range profileSettings {
		out, err := t.exec(ctx, "profile", "get", "settings."+setting, name)
		if err != nil {
			// Settings absent from the profile (e.g. compiler.runtime on
			// Linux) come back as command failures; record them as empty.
			profile[setting] = ""
			continue
		}
		profile[setting] = firstLine(out)
	}
	t.Logger.Debug("resolved conan profile", "profile", name, "os_build", profile.OSBuild(), "arch_build", profile.ArchBuild())
	return profile, nil
}

// firstLine returns the text up to the first newline, trimmed.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
