// Package sha256 content-addresses fetched pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// DefaultPrefix is the object prefix pages are stored under.
const DefaultPrefix = "pages"

// Hasher implements fleet.Hasher. Object paths are
// <prefix>/<site>/<first two hex digits>/<sha256 hex>, so identical bodies
// from one site share an object and no directory holds more than a slice of
// the site's pages.
type Hasher struct {
	prefix string
}

// New returns a Hasher using DefaultPrefix.
func New() *Hasher {
	return &Hasher{prefix: DefaultPrefix}
}

// WithPrefix returns a Hasher storing below prefix.
func WithPrefix(prefix string) *Hasher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Hasher{prefix: prefix}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ObjectPath returns the content-addressed object path of a page body.
func (h *Hasher) ObjectPath(site string, body []byte) (string, error) {
	site = strings.TrimSpace(site)
	if site == "" || strings.ContainsAny(site, "/\\") || site == "." || site == ".." {
		return "", fmt.Errorf("invalid site %q", site)
	}
	digest := h.Hash(body)
	return path.Join(h.prefix, site, digest[:2], digest), nil
}
