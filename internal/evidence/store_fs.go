package evidence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"goalpay/pkg/platform/sentinel"
)

const digestSuffix = ".b2"

// FSStore writes each blob to its own file in a directory, next to a
// sidecar file holding its digest. Files are written to a temp name and
// renamed so readers never see partial content.
type FSStore struct {
	dir string
}

// NewFSStore creates dir if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Store(ctx context.Context, blob []byte, contentType string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := NewRef(contentType)
	if err := s.writeAtomic(string(ref)+digestSuffix, []byte(Digest(blob))); err != nil {
		return "", err
	}
	if err := s.writeAtomic(string(ref), blob); err != nil {
		_ = os.Remove(filepath.Join(s.dir, string(ref)+digestSuffix))
		return "", err
	}
	return ref, nil
}

func (s *FSStore) Open(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ParseRef(string(ref)); err != nil {
		return nil, fmt.Errorf("open evidence: %w", errors.Join(sentinel.ErrNotFound, err))
	}
	blob, err := os.ReadFile(filepath.Join(s.dir, string(ref)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open evidence %s: %w", ref, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("open evidence: %w", err)
	}
	digest, err := os.ReadFile(filepath.Join(s.dir, string(ref)+digestSuffix))
	if err != nil {
		return nil, fmt.Errorf("read evidence digest %s: %w", ref, errors.Join(sentinel.ErrCorrupt, err))
	}
	if !digestMatches(blob, strings.TrimSpace(string(digest))) {
		return nil, fmt.Errorf("evidence %s digest mismatch: %w", ref, sentinel.ErrCorrupt)
	}
	return blob, nil
}

func (s *FSStore) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create evidence temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write evidence: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync evidence: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close evidence: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("publish evidence: %w", err)
	}
	return nil
}
