// Package pack defines the shared package model for the update client: the
// immutable descriptor of a release bundle, the remote and local views of an
// update, and the error taxonomy used across components.
package pack

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Descriptor is the immutable metadata of one content-addressed release
// bundle. A descriptor is uniquely identified by its content hash; the hash
// is stable across download retries.
type Descriptor struct {
	// Hash is the SHA-256 content hash of the bundle, hex encoded.
	Hash string `json:"package_hash"`
	// Label is the monotonic release identifier assigned by the server.
	Label string `json:"label"`
	// TargetBinaryRange constrains which host binary versions may run this
	// bundle, e.g. ">=1.2.0 <2.0.0" or a plain version string.
	TargetBinaryRange string `json:"target_binary_range"`
	// Mandatory marks updates that must be installed without user opt-out.
	Mandatory bool `json:"is_mandatory"`
	// Size is the bundle size in bytes.
	Size int64 `json:"package_size"`
	// Description is the human-readable release note.
	Description string `json:"description"`
	// DeploymentKey identifies the deployment this bundle belongs to.
	DeploymentKey string `json:"deployment_key"`
}

// RemoteUpdate is a descriptor plus the signed location it can be fetched
// from. It owns no bundle bytes.
type RemoteUpdate struct {
	Descriptor
	// DownloadURL is the signed URL for the full bundle.
	DownloadURL string `json:"download_url"`
	// DiffURL, when present, points at a server-prepared differential patch.
	DiffURL string `json:"diff_url,omitempty"`
	// DiffSize is the differential patch size in bytes, zero when no diff.
	DiffSize int64 `json:"diff_size,omitempty"`
}

// LocalUpdate is a descriptor plus the local path of a downloaded, verified
// bundle. Produced by a successful download, consumed by install.
type LocalUpdate struct {
	Descriptor
	// Path is where the bundle bytes were stored on disk.
	Path string
}

// PreferredURL returns the diff URL when the server prepared a differential
// patch, otherwise the full download URL.
func (r *RemoteUpdate) PreferredURL() string {
	if r.DiffURL != "" {
		return r.DiffURL
	}
	return r.DownloadURL
}

// PreferredSize returns the transfer size matching PreferredURL.
func (r *RemoteUpdate) PreferredSize() int64 {
	if r.DiffURL != "" && r.DiffSize > 0 {
		return r.DiffSize
	}
	return r.Size
}

// MatchesBinaryVersion reports whether the descriptor's target binary range
// admits the given host application version. The range is interpreted as a
// semver constraint when it parses as one; otherwise it falls back to exact
// string equality. An empty range matches every version.
func (d *Descriptor) MatchesBinaryVersion(appVersion string) bool {
	rng := strings.TrimSpace(d.TargetBinaryRange)
	if rng == "" {
		return true
	}

	constraint, err := semver.NewConstraint(rng)
	if err != nil {
		return rng == strings.TrimSpace(appVersion)
	}

	version, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(appVersion), "v"))
	if err != nil {
		return rng == strings.TrimSpace(appVersion)
	}

	return constraint.Check(version)
}
