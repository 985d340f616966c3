package pch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coderunr/cprunner/internal/types"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// HeaderName is the forced-include header placed in each cache entry.
	HeaderName = "stdc++.h"
	umbrella   = "bits/stdc++.h"
)

var includeUmbrella = regexp.MustCompile(`(?m)^\s*#\s*include\s*<bits/stdc\+\+\.h>`)

// linkerOnly flags do not influence the precompiled header
var linkerOnly = mapset.NewSet("-s", "-static", "-static-libgcc", "-static-libstdc++", "-pie", "-no-pie")

var linkerOnlyPrefixes = []string{"-fuse-ld=", "-l", "-L", "-Wl,"}

// NeedsHeader reports whether the source includes the standard umbrella header
func NeedsHeader(source string) bool {
	return includeUmbrella.MatchString(source)
}

// EffectiveFlags drops flags that only matter at link time
func EffectiveFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if linkerOnly.Contains(f) || hasAnyPrefix(f, linkerOnlyPrefixes) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Fingerprint derives the cache key from compiler identity and flags
func Fingerprint(compiler *types.ToolchainInfo, flags []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00", compiler.Identity())
	for _, f := range EffectiveFlags(flags) {
		fmt.Fprintf(h, "%s\x00", f)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Cache builds precompiled headers on demand and reuses them by fingerprint
type Cache struct {
	root    string
	timeout time.Duration
	logger  *logrus.Entry
	group   singleflight.Group

	mu     sync.Mutex
	failed map[string]bool
}

// NewCache creates a cache rooted at dir
func NewCache(dir string, timeout time.Duration, logger *logrus.Logger) *Cache {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Cache{
		root:    dir,
		timeout: timeout,
		logger:  logger.WithField("component", "pch"),
		failed:  make(map[string]bool),
	}
}

// Ensure returns an entry for (compiler, flags), building it when needed.
// A build failure yields Ready == false rather than an error.
func (c *Cache) Ensure(ctx context.Context, compiler *types.ToolchainInfo, flags []string) types.PchEntry {
	fp := Fingerprint(compiler, flags)
	entry := c.entry(fp)

	if c.ready(entry) {
		entry.Ready = true
		return entry
	}

	c.mu.Lock()
	failed := c.failed[fp]
	c.mu.Unlock()
	if failed {
		return entry
	}

	v, _, _ := c.group.Do(fp, func() (interface{}, error) {
		// A concurrent flight for the same key may have finished already.
		if c.ready(entry) {
			return true, nil
		}
		ok := c.build(ctx, compiler, flags, entry)
		if !ok {
			c.mu.Lock()
			c.failed[fp] = true
			c.mu.Unlock()
		}
		return ok, nil
	})

	entry.Ready = v.(bool)
	return entry
}

// Forget clears remembered build failures so the next Ensure retries
func (c *Cache) Forget() {
	c.mu.Lock()
	c.failed = make(map[string]bool)
	c.mu.Unlock()
}

func (c *Cache) entry(fp string) types.PchEntry {
	dir := filepath.Join(c.root, fp)
	return types.PchEntry{
		Fingerprint: fp,
		Dir:         dir,
		Header:      filepath.Join(dir, HeaderName),
	}
}

func (c *Cache) ready(entry types.PchEntry) bool {
	fi, err := os.Stat(entry.Header + ".gch")
	return err == nil && fi.Size() > 0
}

func (c *Cache) build(ctx context.Context, compiler *types.ToolchainInfo, flags []string, entry types.PchEntry) bool {
	logger := c.logger.WithField("fingerprint", entry.Fingerprint)

	if err := os.MkdirAll(entry.Dir, 0755); err != nil {
		logger.WithError(err).Warn("Failed to create cache directory")
		return false
	}

	if err := os.WriteFile(entry.Header, []byte("#include <"+umbrella+">\n"), 0644); err != nil {
		logger.WithError(err).Warn("Failed to write header")
		return false
	}

	staged := entry.Header + ".gch.tmp"
	args := append([]string{"-x", "c++-header", entry.Header, "-o", staged}, EffectiveFlags(flags)...)

	buildCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(buildCtx, compiler.ExecutablePath, args...)
	cmd.Dir = entry.Dir
	if len(compiler.Env) > 0 {
		cmd.Env = append(os.Environ(), compiler.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	logger.Info("Building precompiled header")

	if err := cmd.Run(); err != nil {
		logger.WithError(err).WithField("stderr", strings.TrimSpace(stderr.String())).
			Warn("Precompiled header build failed")
		os.Remove(staged)
		return false
	}

	if err := os.Rename(staged, entry.Header+".gch"); err != nil {
		logger.WithError(err).Warn("Failed to install precompiled header")
		os.Remove(staged)
		return false
	}

	logger.WithField("elapsed", time.Since(start)).Info("Precompiled header ready")
	return true
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
