package builds

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"time"

	"phone-orchestrator/core/models"
)

// ErrNoBuildsFound is returned when a discovery window contains no builds.
var ErrNoBuildsFound = errors.New("no builds found")

// latestBuildWindow is how far back FindLatestBuild looks.
const latestBuildWindow = 3 * 24 * time.Hour

// artifactPattern matches the target-platform build artifact filename.
var artifactPattern = regexp.MustCompile(`fennec.*\.android-arm\.apk`)

// Finder discovers builds in the remote archive by enumerating and parsing
// directory listings through a build location.
type Finder struct {
	baseURL string
	repos   []string
	list    ListFunc
}

// ListFunc fetches one remote directory listing and returns its lines.
type ListFunc func(dirURL string) ([]string, error)

// NewFinder creates a build finder over the given archive root and
// repositories. A nil list function uses HTTP.
func NewFinder(baseURL string, repos []string, list ListFunc) *Finder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if list == nil {
		list = httpList
	}
	return &Finder{baseURL: baseURL, repos: repos, list: list}
}

// FindBuilds returns every build whose timestamp falls inside [start, end]
// for the named build location. Timestamps without an explicit zone are
// interpreted in the archive's timezone. An unknown location name is a
// request error.
func (f *Finder) FindBuilds(start, end time.Time, locationName string) ([]models.CandidateBuild, error) {
	location, err := LocationFor(locationName, f.baseURL, f.repos)
	if err != nil {
		return nil, err
	}

	start = inArchiveTZ(start)
	end = inArchiveTZ(end)
	log.Printf("Finding builds between %s and %s in %s", start, end, location.Name())

	var found []models.CandidateBuild
	for _, dir := range location.Directories(start, end) {
		lines, err := f.list(dir)
		if err != nil {
			log.Printf("Failed to list %s: %v", dir, err)
			continue
		}
		for _, line := range lines {
			name, buildTime, ok := location.ParseListingLine(line)
			if !ok {
				continue
			}
			if buildTime.Before(start) || buildTime.After(end) {
				continue
			}
			buildDir := dir + name + "/"
			entries, err := f.list(buildDir)
			if err != nil {
				log.Printf("Failed to list %s: %v", buildDir, err)
				continue
			}
			for _, entry := range entries {
				filename := lastField(entry)
				if artifactPattern.MatchString(filename) {
					found = append(found, models.CandidateBuild{
						URL:  buildDir + filename,
						Time: buildTime,
					})
				}
			}
		}
	}
	if len(found) == 0 {
		log.Printf("No builds found between %s and %s", start, end)
	}
	return found, nil
}

// FindLatestBuild returns the most recent build from the last three days,
// or ErrNoBuildsFound if the window is empty.
func (f *Finder) FindLatestBuild(locationName string) (*models.CandidateBuild, error) {
	now := time.Now()
	found, err := f.FindBuilds(now.Add(-latestBuildWindow), now, locationName)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no %s builds in the last %d days: %w",
			locationName, int(latestBuildWindow.Hours()/24), ErrNoBuildsFound)
	}
	latest := found[0]
	for _, b := range found[1:] {
		if b.Time.After(latest.Time) {
			latest = b
		}
	}
	return &latest, nil
}

func inArchiveTZ(t time.Time) time.Time {
	return t.In(archiveTZ)
}

// httpList fetches a directory index page and returns it line by line.
func httpList(dirURL string) ([]string, error) {
	resp, err := http.Get(dirURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing %s: %s", dirURL, resp.Status)
	}
	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
