package model

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidVolumeReference is returned when a volume reference does not
// match the expected grammar.
var ErrInvalidVolumeReference = errors.New("invalid volume reference")

const (
	readRefGrammar  = "scheme://pool/image or scheme://pool/image@snapshot"
	writeRefGrammar = "scheme://pool/image"
)

var (
	readRefPattern  = regexp.MustCompile(`^([a-z][a-z0-9+.-]*)://([^/@]+)/([^@/]+)(?:@([^@/]+))?$`)
	writeRefPattern = regexp.MustCompile(`^([a-z][a-z0-9+.-]*)://([^/@]+)/([^@/]+)$`)
)

// VolumeRef names a volume (pool + image) on the backend selected by Scheme,
// optionally at a point-in-time snapshot.
type VolumeRef struct {
	Scheme   string `json:"scheme"`
	Pool     string `json:"pool"`
	Image    string `json:"image"`
	Snapshot string `json:"snapshot,omitempty"`
}

// ParseReadRef parses a reference usable for reading, where the snapshot
// part is optional.
func ParseReadRef(s string) (VolumeRef, error) {
	m := readRefPattern.FindStringSubmatch(s)
	if m == nil {
		return VolumeRef{}, fmt.Errorf("%w: %q, need %s", ErrInvalidVolumeReference, s, readRefGrammar)
	}
	return VolumeRef{Scheme: m[1], Pool: m[2], Image: m[3], Snapshot: m[4]}, nil
}

// ParseWriteRef parses a reference usable for writing. Snapshots are
// read-only, so a snapshot part is rejected.
func ParseWriteRef(s string) (VolumeRef, error) {
	m := writeRefPattern.FindStringSubmatch(s)
	if m == nil {
		return VolumeRef{}, fmt.Errorf("%w: %q, need %s", ErrInvalidVolumeReference, s, writeRefGrammar)
	}
	return VolumeRef{Scheme: m[1], Pool: m[2], Image: m[3]}, nil
}

// String formats the reference in the scheme://pool/image[@snapshot] form.
func (r VolumeRef) String() string {
	s := r.Scheme + "://" + r.Pool + "/" + r.Image
	if r.Snapshot != "" {
		s += "@" + r.Snapshot
	}
	return s
}
