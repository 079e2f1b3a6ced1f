package builds

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testBuildURL = "http://archive/pub/mobile/nightly/2013/01/2013-01-29-03-02-04-mozilla-central-android/fennec-21.0a1.multi.android-arm.apk"

// zipBytes builds an in-memory zip archive from name -> content.
func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("creating zip member %s: %v", name, err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatalf("writing zip member %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

// countingFetch serves canned bodies keyed by URL suffix and counts fetches
// per URL.
type countingFetch struct {
	bodies map[string][]byte
	counts map[string]int
}

func newCountingFetch() *countingFetch {
	return &countingFetch{bodies: make(map[string][]byte), counts: make(map[string]int)}
}

func (c *countingFetch) fetch(url string, dst io.Writer) error {
	c.counts[url]++
	for suffix, body := range c.bodies {
		if strings.HasSuffix(url, suffix) {
			_, err := dst.Write(body)
			return err
		}
	}
	return fmt.Errorf("404 for %s", url)
}

func newTestCache(t *testing.T, withTests bool) (*Cache, *countingFetch) {
	t.Helper()
	c, err := NewCache(t.TempDir(), "", withTests)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	f := newCountingFetch()
	c.fetch = f.fetch
	return c, f
}

func TestAcquireDownloadsOnceAndRefreshesLastUsed(t *testing.T) {
	c, f := newTestCache(t, false)
	f.bodies[".apk"] = zipBytes(t, map[string]string{"classes.dex": "dex"})

	dir, err := c.Acquire(testBuildURL, false, false)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, BuildFilename)); err != nil {
		t.Fatalf("build.apk missing: %v", err)
	}

	// Backdate the eviction clock so a refresh is observable.
	lastUsed := filepath.Join(dir, "lastused")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lastUsed, past, past); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Acquire(testBuildURL, false, false); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := f.counts[testBuildURL]; got != 1 {
		t.Errorf("build downloaded %d times, want 1", got)
	}
	info, err := os.Stat(lastUsed)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().After(past) {
		t.Error("lastused was not refreshed on second Acquire")
	}

	// force re-downloads even when present.
	if _, err := c.Acquire(testBuildURL, false, true); err != nil {
		t.Fatalf("forced Acquire: %v", err)
	}
	if got := f.counts[testBuildURL]; got != 2 {
		t.Errorf("build downloaded %d times after force, want 2", got)
	}
}

func TestAcquireDownloadFailureLeavesNoPartialFile(t *testing.T) {
	c, _ := newTestCache(t, false)

	_, err := c.Acquire(testBuildURL, false, false)
	if err == nil {
		t.Fatal("Expected Acquire to fail")
	}
	entry := filepath.Join(c.cacheDir, CacheKey(testBuildURL))
	if _, err := os.Stat(filepath.Join(entry, BuildFilename)); !os.IsNotExist(err) {
		t.Error("partial build.apk left behind")
	}
	leftovers, _ := filepath.Glob(filepath.Join(c.cacheDir, "download-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestAcquireSymbolsFailureIsNotFatal(t *testing.T) {
	c, f := newTestCache(t, false)
	f.bodies[".apk"] = zipBytes(t, map[string]string{"classes.dex": "dex"})
	// No symbols body registered: the fetch 404s and Acquire still works.

	dir, err := c.Acquire(testBuildURL, false, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "symbols")); !os.IsNotExist(err) {
		t.Error("symbols directory should not exist after failed fetch")
	}
}

func TestAcquireUnpacksSymbolsAndTests(t *testing.T) {
	c, f := newTestCache(t, true)
	f.bodies[".apk"] = zipBytes(t, map[string]string{"classes.dex": "dex"})
	f.bodies[".crashreporter-symbols.zip"] = zipBytes(t, map[string]string{"lib.so.sym": "syms"})
	f.bodies[".tests.zip"] = zipBytes(t, map[string]string{"bin/xpcshell": "bin"})
	f.bodies["robocop.apk"] = []byte("robocop")
	f.bodies["fennec_ids.txt"] = []byte("ids")

	dir, err := c.Acquire(testBuildURL, true, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	for _, path := range []string{
		filepath.Join(dir, "symbols", "lib.so.sym"),
		filepath.Join(dir, "tests", "bin", "xpcshell"),
		filepath.Join(dir, "robocop.apk"),
		filepath.Join(dir, "fennec_ids.txt"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}
}

func TestAcquireTestsFailureIsFatal(t *testing.T) {
	c, f := newTestCache(t, true)
	f.bodies[".apk"] = zipBytes(t, map[string]string{"classes.dex": "dex"})
	// tests.zip missing entirely.

	if _, err := c.Acquire(testBuildURL, true, false); err == nil {
		t.Fatal("Expected Acquire to fail when the tests package is unavailable")
	}
}

// makeEntry creates a managed cache entry whose lastused mtime is at.
func makeEntry(t *testing.T, cacheDir, name string, at time.Time) {
	t.Helper()
	dir := filepath.Join(cacheDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, "lastused")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(marker, at, at); err != nil {
		t.Fatal(err)
	}
}

func TestCleanNeverRemovesPreserved(t *testing.T) {
	c, _ := newTestCache(t, false)
	ancient := time.Now().Add(-100 * 24 * time.Hour)
	makeEntry(t, c.cacheDir, "preserved", ancient)
	for i := 0; i < MaxNumBuilds+5; i++ {
		makeEntry(t, c.cacheDir, fmt.Sprintf("entry-%02d", i), ancient.Add(time.Duration(i)*time.Minute))
	}

	c.Clean(map[string]bool{"preserved": true})

	if _, err := os.Stat(filepath.Join(c.cacheDir, "preserved")); err != nil {
		t.Errorf("preserved entry was removed: %v", err)
	}
}

func TestCleanEvictsOldestBeyondCap(t *testing.T) {
	c, _ := newTestCache(t, false)
	base := time.Now().Add(-100 * 24 * time.Hour)
	total := MaxNumBuilds + 3
	for i := 0; i < total; i++ {
		makeEntry(t, c.cacheDir, fmt.Sprintf("entry-%02d", i), base.Add(time.Duration(i)*time.Minute))
	}

	c.Clean(nil)

	// The three oldest go; the newest MaxNumBuilds stay.
	for i := 0; i < total; i++ {
		name := fmt.Sprintf("entry-%02d", i)
		_, err := os.Stat(filepath.Join(c.cacheDir, name))
		if i < 3 && !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s should have been evicted", name)
		}
		if i >= 3 && err != nil {
			t.Errorf("%s should have survived: %v", name, err)
		}
	}
}

func TestCleanKeepsFreshAndUnmanagedEntries(t *testing.T) {
	c, _ := newTestCache(t, false)
	// Fresh entries are exempt regardless of count.
	for i := 0; i < MaxNumBuilds+5; i++ {
		makeEntry(t, c.cacheDir, fmt.Sprintf("fresh-%02d", i), time.Now())
	}
	// A directory without a lastused marker is not a managed entry.
	if err := os.MkdirAll(filepath.Join(c.cacheDir, "not-a-build"), 0o755); err != nil {
		t.Fatal(err)
	}

	c.Clean(nil)

	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxNumBuilds+6 {
		t.Errorf("Clean removed fresh or unmanaged entries; %d remain", len(entries))
	}
}

func TestOverrideModeValidation(t *testing.T) {
	if _, err := NewCache(t.TempDir(), filepath.Join(t.TempDir(), "missing"), false); err == nil {
		t.Error("Expected error for missing override directory")
	}

	empty := t.TempDir()
	if _, err := NewCache(t.TempDir(), empty, false); err == nil {
		t.Error("Expected error for override directory without build.apk")
	}

	withBuild := t.TempDir()
	if err := os.WriteFile(filepath.Join(withBuild, BuildFilename), zipBytes(t, map[string]string{"a": "b"}), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCache(t.TempDir(), withBuild, true); err == nil {
		t.Error("Expected error for override directory without tests when tests are enabled")
	}

	c, err := NewCache(t.TempDir(), withBuild, false)
	if err != nil {
		t.Fatalf("NewCache with valid override: %v", err)
	}
	dir, err := c.Acquire(testBuildURL, false, false)
	if err != nil || dir != withBuild {
		t.Errorf("Acquire in override mode = %q, %v; want %q", dir, err, withBuild)
	}
}

func TestCacheKeyRoundTrip(t *testing.T) {
	key := CacheKey(testBuildURL)
	if strings.ContainsAny(key, "/") {
		t.Errorf("cache key %q is not filesystem safe", key)
	}
	url, err := BuildURLForKey(key)
	if err != nil || url != testBuildURL {
		t.Errorf("BuildURLForKey = %q, %v", url, err)
	}
}

func TestVerifyArchive(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.apk")
	if err := os.WriteFile(good, zipBytes(t, map[string]string{"a": "b"}), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyArchive(good); err != nil {
		t.Errorf("VerifyArchive(good) = %v", err)
	}

	bad := filepath.Join(dir, "bad.apk")
	if err := os.WriteFile(bad, []byte("this is not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyArchive(bad); !errors.Is(err, ErrBadArchive) {
		t.Errorf("VerifyArchive(bad) = %v, want ErrBadArchive", err)
	}
}
