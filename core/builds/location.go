// Package builds implements build discovery over the remote archive and the
// on-disk build acquisition cache.
package builds

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the root of the remote build archive.
const DefaultBaseURL = "https://ftp.mozilla.org/pub/mobile/"

// The archive publishes directory timestamps in Pacific time.
var archiveTZ = func() *time.Location {
	loc, err := time.LoadLocation("US/Pacific")
	if err != nil {
		return time.UTC
	}
	return loc
}()

const nightlyTimeLayout = "2006-01-02-15-04-05"

// Location is a remote-layout convention for discovering build artifacts.
// Implementations are stateless and selected by name at call time.
type Location interface {
	// Name returns the location's selector name.
	Name() string

	// Directories returns the remote directory URLs that could contain a
	// build in [start, end].
	Directories(start, end time.Time) []string

	// ParseListingLine extracts a subdirectory name and its build
	// timestamp from one directory-listing line. ok is false when the
	// line does not match this location's naming grammar; such lines are
	// skipped, never treated as errors.
	ParseListingLine(line string) (name string, t time.Time, ok bool)

	// BuildTime parses the build timestamp out of a build URL. ok is
	// false when the URL does not follow this location's grammar.
	BuildTime(url string) (time.Time, bool)
}

// LocationFor resolves a location by selector name. The selector matches by
// substring so a full build URL can be used to recover its location.
func LocationFor(name string, baseURL string, repos []string) (Location, error) {
	if strings.Contains(name, "nightly") {
		return NewNightly(baseURL, repos), nil
	}
	if strings.Contains(name, "tinderbox") {
		return NewTinderbox(baseURL, repos), nil
	}
	return nil, fmt.Errorf("unsupported build location %q", name)
}

// Nightly locates periodic snapshot builds, laid out in per-month
// directories named <timestamp>-<repo>-android.
type Nightly struct {
	baseURL  string
	repos    []string
	patterns []*regexp.Regexp
}

// NewNightly creates a nightly build location for the given repositories.
func NewNightly(baseURL string, repos []string) *Nightly {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	patterns := make([]*regexp.Regexp, 0, len(repos))
	for _, repo := range repos {
		patterns = append(patterns, regexp.MustCompile(fmt.Sprintf(`(.*)-%s-android$`, regexp.QuoteMeta(repo))))
	}
	return &Nightly{baseURL: baseURL, repos: repos, patterns: patterns}
}

// Name returns "nightly".
func (n *Nightly) Name() string { return "nightly" }

// Directories returns one monthly directory per calendar month overlapping
// [start, end].
func (n *Nightly) Directories(start, end time.Time) []string {
	var dirs []string
	y, m := start.Year(), int(start.Month())
	for y < end.Year() || (y == end.Year() && m <= int(end.Month())) {
		dirs = append(dirs, fmt.Sprintf("%snightly/%d/%02d/", n.baseURL, y, m))
		if m == 12 {
			y++
			m = 1
		} else {
			m++
		}
	}
	return dirs
}

// ParseListingLine matches directory names like
// 2013-01-29-03-02-04-mozilla-central-android.
func (n *Nightly) ParseListingLine(line string) (string, time.Time, bool) {
	name := lastField(line)
	for _, p := range n.patterns {
		m := p.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		t, err := time.ParseInLocation(nightlyTimeLayout, m[1], archiveTZ)
		if err != nil {
			return "", time.Time{}, false
		}
		return name, t, true
	}
	return "", time.Time{}, false
}

var nightlyURLPattern = regexp.MustCompile(`nightly/\d{4}/\d{2}/(\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2})-`)

// BuildTime parses nightly build URLs of the form
// .../nightly/<year>/<month>/<timestamp>-<repo>-android/<buildfile>.
func (n *Nightly) BuildTime(url string) (time.Time, bool) {
	m := nightlyURLPattern.FindStringSubmatch(url)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(nightlyTimeLayout, m[1], archiveTZ)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Tinderbox locates continuous per-commit builds, laid out in one flat
// directory per repository with epoch-second subdirectory names.
type Tinderbox struct {
	baseURL string
	repos   []string
}

// NewTinderbox creates a tinderbox build location for the given
// repositories.
func NewTinderbox(baseURL string, repos []string) *Tinderbox {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Tinderbox{baseURL: baseURL, repos: repos}
}

// Name returns "tinderbox".
func (t *Tinderbox) Name() string { return "tinderbox" }

// Directories returns one flat directory per repository; tinderbox builds
// are not partitioned by time, so the window does not affect the result.
func (t *Tinderbox) Directories(start, end time.Time) []string {
	dirs := make([]string, 0, len(t.repos))
	for _, repo := range t.repos {
		dirs = append(dirs, fmt.Sprintf("%stinderbox-builds/%s-android/", t.baseURL, repo))
	}
	return dirs
}

// ParseListingLine matches subdirectory names that are epoch seconds.
func (t *Tinderbox) ParseListingLine(line string) (string, time.Time, bool) {
	name := lastField(line)
	secs, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return name, time.Unix(secs, 0).In(archiveTZ), true
}

var tinderboxURLPattern = regexp.MustCompile(`tinderbox-builds/.*-android/(\d+)/`)

// BuildTime parses tinderbox build URLs of the form
// .../tinderbox-builds/<repo>-android/<epoch seconds>/<buildfile>.
func (t *Tinderbox) BuildTime(url string) (time.Time, bool) {
	m := tinderboxURLPattern.FindStringSubmatch(url)
	if m == nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).In(archiveTZ), true
}

// lastField returns the final whitespace-separated field of a listing line,
// which is the entry name in both index-page and FTP LIST formats.
func lastField(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
