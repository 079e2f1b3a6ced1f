package builds

import (
	"archive/zip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// MaxNumBuilds caps the number of expired entries the cache keeps
	// around after an eviction sweep.
	MaxNumBuilds = 20

	// ExpireAfter is how long an entry stays eviction-exempt after its
	// last use.
	ExpireAfter = 24 * time.Hour

	// BuildFilename is the primary artifact name inside a cache entry.
	BuildFilename = "build.apk"

	lastUsedFilename = "lastused"
	symbolsDirname   = "symbols"
	testsDirname     = "tests"
	robocopFilename  = "robocop.apk"
	fennecIDsName    = "fennec_ids.txt"

	symbolsSuffix = ".crashreporter-symbols.zip"
	testsSuffix   = ".tests.zip"
)

// ErrBadArchive indicates a cached primary artifact that does not open as a
// valid zip archive.
var ErrBadArchive = errors.New("bad build archive")

// FetchFunc downloads url into the open destination file. Injectable for
// tests counting downloads.
type FetchFunc func(url string, dst io.Writer) error

// Cache is the build acquisition cache: given a build URL it produces a
// local directory holding the verified artifact, downloading on demand and
// evicting stale entries. The on-disk directory is shared across calls and
// protected only by the atomic-rename download discipline; concurrent
// acquisitions of the same key may race to download twice, which is safe
// because downloads are idempotent and atomic at the file level.
type Cache struct {
	cacheDir    string
	overrideDir string
	withTests   bool
	fetch       FetchFunc
}

// NewCache creates a build cache rooted at cacheDir. If overrideDir is
// non-empty the cache operates in override mode: every acquisition returns
// overrideDir and no downloads happen. Override mode is validated here: the
// directory, its build.apk, and (when withTests) its tests subdirectory
// must already exist.
func NewCache(cacheDir, overrideDir string, withTests bool) (*Cache, error) {
	if overrideDir != "" {
		if _, err := os.Stat(overrideDir); err != nil {
			return nil, fmt.Errorf("override build directory does not exist: %w", err)
		}
		if _, err := os.Stat(filepath.Join(overrideDir, BuildFilename)); err != nil {
			return nil, fmt.Errorf("override build directory %s does not contain a %s", overrideDir, BuildFilename)
		}
		if withTests {
			if _, err := os.Stat(filepath.Join(overrideDir, testsDirname)); err != nil {
				return nil, fmt.Errorf("override build directory %s does not contain a tests directory", overrideDir)
			}
		}
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{
		cacheDir:    cacheDir,
		overrideDir: overrideDir,
		withTests:   withTests,
		fetch:       httpFetch,
	}, nil
}

// CacheKey returns the deterministic directory name for a build URL.
func CacheKey(buildURL string) string {
	return base64.URLEncoding.EncodeToString([]byte(buildURL))
}

// BuildURLForKey reverses CacheKey.
func BuildURLForKey(key string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Acquire returns the local directory holding the build for buildURL,
// downloading whatever is missing. force re-downloads the primary artifact
// even if present; callers use it after detecting corruption. Symbol
// packages are best-effort; test packages (when withTests is set) are
// fatal on failure.
func (c *Cache) Acquire(buildURL string, withTests, force bool) (string, error) {
	if c.overrideDir != "" {
		return c.overrideDir, nil
	}

	key := CacheKey(buildURL)
	c.Clean(map[string]bool{key: true})

	entryDir := filepath.Join(c.cacheDir, key)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache entry: %w", err)
	}

	buildPath := filepath.Join(entryDir, BuildFilename)
	if force || !exists(buildPath) {
		if err := c.download(buildURL, buildPath); err != nil {
			log.Printf("Error retrieving build %s: %v", buildURL, err)
			return "", fmt.Errorf("no build available: %w", err)
		}
	}

	// Reset the eviction clock on every successful acquisition.
	if err := touch(filepath.Join(entryDir, lastUsedFilename)); err != nil {
		return "", fmt.Errorf("touching lastused: %w", err)
	}

	c.fetchSymbols(buildURL, entryDir, force)

	if withTests {
		if err := c.fetchTests(buildURL, entryDir, force); err != nil {
			return "", err
		}
	}
	return entryDir, nil
}

// fetchSymbols downloads and unpacks the debug-symbols package next to the
// build. All failures, including missing packages and corrupt zips, are
// logged and ignored.
func (c *Cache) fetchSymbols(buildURL, entryDir string, force bool) {
	symbolsDir := filepath.Join(entryDir, symbolsDirname)
	if !force && exists(symbolsDir) {
		return
	}
	symbolsURL := strings.TrimSuffix(buildURL, ".apk") + symbolsSuffix
	tmp, err := c.downloadTemp(symbolsURL)
	if err != nil {
		log.Printf("No symbols available at %s: %v", symbolsURL, err)
		return
	}
	defer os.Remove(tmp)
	if err := extractZip(tmp, symbolsDir); err != nil {
		log.Printf("Ignoring bad symbols archive %s: %v", symbolsURL, err)
	}
}

// fetchTests downloads the tests package plus the robocop and id-mapping
// auxiliaries. Any failure aborts the acquisition.
func (c *Cache) fetchTests(buildURL, entryDir string, force bool) error {
	testsDir := filepath.Join(entryDir, testsDirname)
	if force || !exists(testsDir) {
		testsURL := strings.TrimSuffix(buildURL, ".apk") + testsSuffix
		tmp, err := c.downloadTemp(testsURL)
		if err != nil {
			log.Printf("Error retrieving tests %s: %v", testsURL, err)
			return fmt.Errorf("retrieving tests package: %w", err)
		}
		defer os.Remove(tmp)
		if err := extractZip(tmp, testsDir); err != nil {
			return fmt.Errorf("unpacking tests package: %w", err)
		}

		for _, aux := range []string{robocopFilename, fennecIDsName} {
			auxURL, err := resolveRelative(buildURL, aux)
			if err != nil {
				return err
			}
			if err := c.download(auxURL, filepath.Join(entryDir, aux)); err != nil {
				log.Printf("Error retrieving %s: %v", auxURL, err)
				return fmt.Errorf("retrieving %s: %w", aux, err)
			}
		}
	}
	return nil
}

// Clean evicts stale cache entries. An entry survives if its key is in
// preserve, if it lacks a lastused marker (not recognized as a managed
// entry), or if it was used within ExpireAfter. Of the rest, only the
// entries beyond the newest MaxNumBuilds are removed, oldest first.
func (c *Cache) Clean(preserve map[string]bool) {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		log.Printf("Failed to read cache directory %s: %v", c.cacheDir, err)
		return
	}

	type candidate struct {
		name     string
		lastUsed time.Time
	}
	var expired []candidate
	now := time.Now()
	for _, entry := range entries {
		if preserve[entry.Name()] {
			continue
		}
		info, err := os.Stat(filepath.Join(c.cacheDir, entry.Name(), lastUsedFilename))
		if err != nil {
			// Not a managed cache entry.
			continue
		}
		if now.Sub(info.ModTime()) <= ExpireAfter {
			continue
		}
		expired = append(expired, candidate{entry.Name(), info.ModTime()})
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].lastUsed.Before(expired[j].lastUsed)
	})
	for len(expired) > MaxNumBuilds {
		victim := expired[0]
		expired = expired[1:]
		log.Printf("Expiring cached build %s", victim.name)
		if err := os.RemoveAll(filepath.Join(c.cacheDir, victim.name)); err != nil {
			log.Printf("Failed to remove %s: %v", victim.name, err)
		}
	}
}

// download fetches url into dest atomically: the payload lands in a
// temporary file in the cache root and is renamed into place only on
// success, so no partial file is ever visible at dest.
func (c *Cache) download(url, dest string) error {
	tmp, err := c.downloadTemp(url)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// downloadTemp fetches url into a temporary file and returns its path. The
// caller owns the file.
func (c *Cache) downloadTemp(url string) (string, error) {
	f, err := os.CreateTemp(c.cacheDir, "download-*")
	if err != nil {
		return "", err
	}
	if err := c.fetch(url, f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// VerifyArchive opens path as a zip archive and checks every member's
// checksum, returning ErrBadArchive on any corruption.
func VerifyArchive(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	defer r.Close()
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadArchive, f.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadArchive, f.Name, err)
		}
	}
	return nil
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	defer r.Close()
	for _, f := range r.File {
		name := filepath.Clean(f.Name)
		if strings.HasPrefix(name, "..") {
			return fmt.Errorf("archive member escapes destination: %s", f.Name)
		}
		target := filepath.Join(destDir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadArchive, f.Name, err)
		}
		out, err := os.Create(target)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadArchive, f.Name, err)
		}
	}
	return nil
}

func resolveRelative(baseURL, name string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("bad build URL %q: %w", baseURL, err)
	}
	rel, err := url.Parse(name)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	f.Close()
	now := time.Now()
	return os.Chtimes(path, now, now)
}

// httpFetch is the default FetchFunc.
func httpFetch(url string, dst io.Writer) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: %s", url, resp.Status)
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}
