package types

import "strings"

// Digest is a content-addressable digest in "sha256:<hex>" form.
type Digest string

// NewDigest prefixes a raw hex string with the sha256 algorithm tag.
func NewDigest(hex string) Digest { return Digest("sha256:" + hex) }

// Hex strips the algorithm prefix, returning the bare hex digest.
func (d Digest) Hex() string { return strings.TrimPrefix(string(d), "sha256:") }

// String returns the digest with its algorithm prefix.
func (d Digest) String() string { return string(d) }
