package models

import "time"

// CandidateBuild is a build URL with its parsed timestamp, produced by
// scanning remote directory listings. Candidates are ephemeral and never
// persisted.
type CandidateBuild struct {
	URL  string
	Time time.Time
}

// BuildEvent is a build-ready notification delivered by the push feed or
// the webhook endpoint. Events without a build URL announce busted or
// incomplete builds and are ignored.
type BuildEvent struct {
	BuildURL  string `json:"buildurl,omitempty"`
	Tree      string `json:"tree,omitempty"`
	Platform  string `json:"platform,omitempty"`
	BuildType string `json:"buildtype,omitempty"`
}
