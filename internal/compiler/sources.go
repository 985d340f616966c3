package compiler

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

var localInclude = regexp.MustCompile(`(?m)^\s*#\s*include\s*"([^"]+)"`)

// SourceExtensions are the translation unit extensions considered companions
var SourceExtensions = mapset.NewSet(".cpp", ".cc", ".cxx", ".c++", ".c")

// FindCompanionSources returns translation units in the source's directory
// whose base name matches a quote-style include of the source. A header
// "helper.h" pulls in "helper.cpp" (or .cc, ...); names compare without case.
func FindCompanionSources(sourcePath, text string) []string {
	matches := localInclude.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	dir := filepath.Dir(sourcePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	// Stable order among several companions with the same stem.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	self := filepath.Base(sourcePath)
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string

	for _, m := range matches {
		target := filepath.Base(filepath.FromSlash(m[1]))
		// Directly included translation units are already part of this one.
		if SourceExtensions.Contains(strings.ToLower(filepath.Ext(target))) {
			continue
		}
		stem := stripExt(target)

		for _, name := range names {
			if strings.EqualFold(name, self) {
				continue
			}
			if !SourceExtensions.Contains(strings.ToLower(filepath.Ext(name))) {
				continue
			}
			if !strings.EqualFold(stripExt(name), stem) {
				continue
			}
			key := strings.ToLower(name)
			if seen.Contains(key) {
				continue
			}
			seen.Add(key)
			out = append(out, filepath.Join(dir, name))
		}
	}

	return out
}

// ArtifactPath is where the executable for a source lands
func ArtifactPath(sourcePath string) string {
	base := strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath))
	if base == sourcePath {
		base += ".out"
	}
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// stagingPath is written by the compiler and renamed over the artifact on success
func stagingPath(artifact string) string {
	if runtime.GOOS == "windows" {
		return strings.TrimSuffix(artifact, ".exe") + ".building.exe"
	}
	return artifact + ".building"
}

func stripExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
