package models

import "time"

// JobDescriptor describes one build to be tested, dispatched to every live
// worker in the fleet. It is derived from the metadata packaged inside the
// build artifact, never from user input.
type JobDescriptor struct {
	ID              string
	CacheBuildDir   string
	Tree            string
	Revision        string
	BuildID         string
	BuildDate       time.Time
	BuildType       string
	Version         string
	AndroidProcName string
}

// MissingFields returns the names of required fields that are unset. A
// descriptor with no missing fields is valid for dispatch.
func (j *JobDescriptor) MissingFields() []string {
	var missing []string
	if j.AndroidProcName == "" {
		missing = append(missing, "androidprocname")
	}
	if j.Revision == "" {
		missing = append(missing, "revision")
	}
	if j.BuildDate.IsZero() {
		missing = append(missing, "blddate")
	}
	if j.BuildType == "" {
		missing = append(missing, "bldtype")
	}
	if j.Version == "" {
		missing = append(missing, "version")
	}
	return missing
}
