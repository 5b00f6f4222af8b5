// Package evidence stores the proof images submitted with goal claims.
// Blobs are addressed by opaque references and carry a BLAKE2b-256 digest
// that is verified on every read.
package evidence

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Ref identifies a stored blob: "<uuid>.<ext>".
type Ref string

func (r Ref) String() string { return string(r) }

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".bin":  "application/octet-stream",
}

// NewRef mints a fresh reference whose extension follows contentType.
func NewRef(contentType string) Ref {
	ext, ok := extensions[normalizeContentType(contentType)]
	if !ok {
		ext = ".bin"
	}
	return Ref(uuid.NewString() + ext)
}

// ParseRef validates a reference received from outside. Only the shapes
// NewRef produces are accepted, so refs are always safe file names.
func ParseRef(raw string) (Ref, error) {
	ext := path.Ext(raw)
	if _, ok := contentTypes[ext]; !ok {
		return "", fmt.Errorf("invalid evidence ref %q: unknown extension", raw)
	}
	if _, err := uuid.Parse(strings.TrimSuffix(raw, ext)); err != nil {
		return "", fmt.Errorf("invalid evidence ref %q: %w", raw, err)
	}
	return Ref(raw), nil
}

// ContentType returns the MIME type implied by the reference extension.
func (r Ref) ContentType() string {
	if ct, ok := contentTypes[path.Ext(string(r))]; ok {
		return ct
	}
	return "application/octet-stream"
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// Digest returns the hex BLAKE2b-256 digest of blob.
func Digest(blob []byte) string {
	sum := blake2b.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func digestMatches(blob []byte, want string) bool {
	return subtle.ConstantTimeCompare([]byte(Digest(blob)), []byte(want)) == 1
}
