// Package pipeline turns a build URL into a validated job descriptor and
// fans it out to the worker fleet.
package pipeline

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"phone-orchestrator/core/builds"
	"phone-orchestrator/core/fleet"
	"phone-orchestrator/core/models"
	"phone-orchestrator/core/repository"
)

const (
	metadataFilename = "application.ini"
	buildIDLayout    = "20060102150405"
)

// repoInfo maps a declared source-repository URL to its named tree and the
// application's device-side process name.
type repoInfo struct {
	tree     string
	procName string
}

var repoTable = map[string]repoInfo{
	"http://hg.mozilla.org/mozilla-central":             {"mozilla-central", "org.mozilla.fennec"},
	"http://hg.mozilla.org/integration/mozilla-inbound": {"mozilla-inbound", "org.mozilla.fennec"},
	"http://hg.mozilla.org/releases/mozilla-aurora":     {"mozilla-aurora", "org.mozilla.fennec_aurora"},
	"http://hg.mozilla.org/releases/mozilla-beta":       {"mozilla-beta", "org.mozilla.firefox"},
}

// Pipeline resolves builds, constructs and validates job descriptors, and
// dispatches them to every registered worker. The manual triggerjobs
// command and the push-notification callback both run through the same
// path.
type Pipeline struct {
	cache      *builds.Cache
	finder     *builds.Finder
	registry   *fleet.Registry
	withTests  bool
	repos      []string
	buildTypes []string
	dispatches *repository.DispatchRepository
}

// New creates a pipeline. Build events whose tree or build type falls
// outside repos / buildTypes are ignored; empty filter values on the event
// pass. dispatches may be nil when no database is configured.
func New(cache *builds.Cache, finder *builds.Finder, registry *fleet.Registry, withTests bool, repos, buildTypes []string, dispatches *repository.DispatchRepository) *Pipeline {
	return &Pipeline{
		cache:      cache,
		finder:     finder,
		registry:   registry,
		withTests:  withTests,
		repos:      repos,
		buildTypes: buildTypes,
		dispatches: dispatches,
	}
}

// TriggerJobs resolves the build selector and dispatches the resulting job
// to the fleet. The selector is either a full build URL or a build
// location name ("nightly", "tinderbox"), in which case the latest build
// from that location is used.
func (p *Pipeline) TriggerJobs(selector string) error {
	log.Printf("trigger_jobs: %s", selector)
	buildURL := selector
	if !strings.Contains(selector, "://") {
		latest, err := p.finder.FindLatestBuild(selector)
		if err != nil {
			return err
		}
		buildURL = latest.URL
	}
	return p.dispatch(buildURL)
}

// OnBuildEvent handles one build-ready event from the push feed or the
// webhook. Events without a build URL announce busted builds and are
// ignored.
func (p *Pipeline) OnBuildEvent(event *models.BuildEvent) {
	log.Printf("Build event: %+v", event)
	if event.BuildURL == "" {
		return
	}
	if !matchesFilter(event.Tree, p.repos) || !matchesFilter(event.BuildType, p.buildTypes) {
		log.Printf("Ignoring build event for %s/%s", event.Tree, event.BuildType)
		return
	}
	if err := p.dispatch(event.BuildURL); err != nil {
		log.Printf("Failed to run job for build %s: %v", event.BuildURL, err)
	}
}

func (p *Pipeline) dispatch(buildURL string) error {
	cacheDir, err := p.GetBuild(buildURL)
	if err != nil {
		return err
	}
	job, err := p.BuildJob(cacheDir)
	if err != nil {
		return err
	}
	ok, err := p.IsValidJob(job)
	if err != nil {
		return err
	}
	if !ok {
		log.Println("No build available. Aborting job.")
		return nil
	}
	workers := p.registry.FanOut(job)
	if p.dispatches != nil {
		if err := p.dispatches.Create(job, workers); err != nil {
			log.Printf("Failed to record dispatch of job %s: %v", job.ID, err)
		}
	}
	return nil
}

// GetBuild acquires the build into the cache and verifies the primary
// artifact. Corruption triggers exactly one forced re-fetch; a second
// corruption is fatal to the triggering job.
func (p *Pipeline) GetBuild(buildURL string) (string, error) {
	cacheDir, err := p.cache.Acquire(buildURL, p.withTests, false)
	if err != nil {
		return "", err
	}
	buildPath := filepath.Join(cacheDir, builds.BuildFilename)
	if err := builds.VerifyArchive(buildPath); err != nil {
		log.Printf("%s is a bad apk; redownloading...", buildPath)
		cacheDir, err = p.cache.Acquire(buildURL, p.withTests, true)
		if err != nil {
			return "", err
		}
	}
	return cacheDir, nil
}

// BuildJob constructs a job descriptor from the metadata packaged inside
// the cached build. Returns nil without error when the artifact turns out
// corrupt at extraction time; the earlier integrity check already spent the
// one forced retry, so this aborts the job.
func (p *Pipeline) BuildJob(cacheDir string) (*models.JobDescriptor, error) {
	if cacheDir == "" {
		return nil, nil
	}
	scratch, err := os.MkdirTemp("", "phoneorch-job-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	buildPath := filepath.Join(cacheDir, builds.BuildFilename)
	metaPath := filepath.Join(scratch, metadataFilename)
	if err := extractFile(buildPath, metadataFilename, metaPath); err != nil {
		log.Printf("%s is a bad apk; aborting job.", buildPath)
		return nil, nil
	}

	meta, err := parseINI(metaPath)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metadataFilename, err)
	}
	app := meta["App"]

	job := &models.JobDescriptor{
		ID:            uuid.New().String(),
		CacheBuildDir: cacheDir,
		Revision:      app["SourceStamp"],
		Version:       app["Version"],
		BuildID:       app["BuildID"],
		BuildType:     "opt",
	}
	if t, err := time.ParseInLocation(buildIDLayout, app["BuildID"], time.Local); err == nil {
		job.BuildDate = t
	}
	// An unrecognized repository leaves tree and process name unset,
	// which fails validation downstream.
	if info, ok := repoTable[app["SourceRepository"]]; ok {
		job.Tree = info.tree
		job.AndroidProcName = info.procName
	}
	return job, nil
}

// IsValidJob reports whether the descriptor carries every required field.
// A descriptor missing fields yields an error naming each one; this is a
// contract check on internally constructed jobs, not input validation. A
// nil job is simply invalid.
func (p *Pipeline) IsValidJob(job *models.JobDescriptor) (bool, error) {
	if job == nil {
		return false, nil
	}
	missing := job.MissingFields()
	if len(missing) > 0 {
		return false, fmt.Errorf("invalid job configuration %+v: missing %s",
			job, strings.Join(missing, ", "))
	}
	return true, nil
}

// matchesFilter reports whether value is in allowed. Empty values and
// empty filters always pass.
func matchesFilter(value string, allowed []string) bool {
	if value == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// extractFile copies one named member of a zip archive to dest.
func extractFile(zipPath, member, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name != member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, rc)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return fmt.Errorf("%s not found in %s", member, zipPath)
}

// parseINI reads a minimal INI file into section -> key -> value. The
// application.ini format is a fixed external contract: [Section] headers,
// key=value lines, ; or # comments.
func parseINI(path string) (map[string]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sections := make(map[string]map[string]string)
	section := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if sections[section] == nil {
			sections[section] = make(map[string]string)
		}
		sections[section][strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return sections, scanner.Err()
}
