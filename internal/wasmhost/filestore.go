package wasmhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileModuleStore resolves a CID to a file under a module directory,
// named after the digest so the content address and the filename agree
// (spec §6.4 "content-addressed store"; a filesystem directory is the
// simplest implementer of ModuleStore, with HTTP/OCI registries as
// drop-in alternatives behind the same interface).
type FileModuleStore struct {
	dir string
}

func NewFileModuleStore(dir string) *FileModuleStore {
	return &FileModuleStore{dir: dir}
}

// Fetch reads "<algo>-<digest>.wasm" from the module directory. The
// timeout only bounds the read, not a network round trip, but is honored
// via the context so a slow or wedged filesystem still respects the
// caller's deadline.
func (s *FileModuleStore) Fetch(ctx context.Context, cid string, timeout time.Duration) ([]byte, error) {
	parsed, err := ParseCID(cid)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s.wasm", parsed.Algorithm, parsed.Digest)
	path := filepath.Join(s.dir, filepath.Clean(string(filepath.Separator)+name)[1:])
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(s.dir)) {
		return nil, fmt.Errorf("invalid module path for cid %q", cid)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan struct{})
	var data []byte
	var readErr error
	go func() {
		data, readErr = os.ReadFile(path)
		close(done)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return data, readErr
	}
}
