// Package storepath canonicalizes package ids and computes their store paths.
// It is the only place permitted to concatenate a store root with an id.
package storepath

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fly-io/nixless-agent/pkg/nixbase32"
)

const hashAlphabet = nixbase32.Alphabet

const hashLength = 32

// Catalog binds a fixed store root to id<->path conversions.
type Catalog struct {
	storeRoot string
}

// New returns a Catalog rooted at storeRoot. storeRoot must be an absolute,
// cleaned path; it is not re-validated on every call.
func New(storeRoot string) *Catalog {
	return &Catalog{storeRoot: filepath.Clean(storeRoot)}
}

// Root returns the configured store root.
func (c *Catalog) Root() string {
	return c.storeRoot
}

// IDToPath returns the absolute store path for id.
func (c *Catalog) IDToPath(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(c.storeRoot, id), nil
}

// PathToID extracts the package id from an absolute store path.
func (c *Catalog) PathToID(path string) (string, error) {
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(c.storeRoot, clean)
	if err != nil {
		return "", fmt.Errorf("storepath: %s is not under store root %s", path, c.storeRoot)
	}
	if strings.Contains(rel, string(filepath.Separator)) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("storepath: %s is not a direct child of store root %s", path, c.storeRoot)
	}
	if err := ValidateID(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// IsValidID reports whether s has the shape <hash>-<name>.
func IsValidID(s string) bool {
	return ValidateID(s) == nil
}

// ValidateID enforces the package id shape: a fixed-length base32-like hash
// segment, a dash, and a dash-separated printable name with no path
// separators or control bytes.
func ValidateID(s string) error {
	dash := strings.IndexByte(s, '-')
	if dash != hashLength {
		return fmt.Errorf("storepath: invalid id %q: hash segment must be %d characters", s, hashLength)
	}
	hash := s[:dash]
	for i := 0; i < len(hash); i++ {
		if strings.IndexByte(hashAlphabet, hash[i]) < 0 {
			return fmt.Errorf("storepath: invalid id %q: hash contains non-base32 byte %q", s, hash[i])
		}
	}
	name := s[dash+1:]
	if name == "" {
		return fmt.Errorf("storepath: invalid id %q: empty name", s)
	}
	for i := 0; i < len(name); i++ {
		b := name[i]
		if b == '/' || b == 0 || b < 0x20 || b == 0x7f {
			return fmt.Errorf("storepath: invalid id %q: name contains disallowed byte %q", s, b)
		}
	}
	return nil
}

// Compare gives the total order over ids required by the data model: two ids
// compare equal iff their bytes are equal, otherwise lexicographic byte order.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}
