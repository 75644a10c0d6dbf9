package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const engineMarker = "engine"

func FileNameWithoutExtension(fileName string) string {
	return fileName[:len(fileName)-len(filepath.Ext(fileName))]
}

// ClaimDir records that dir belongs to the named engine. A directory written by
// one engine cannot be opened by the other.
func ClaimDir(dir string, engine string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	path := filepath.Join(dir, engineMarker)

	b, err := os.ReadFile(path)

	switch {
	case err == nil:
		if owner := strings.TrimSpace(string(b)); owner != engine {
			return errors.Wrapf(ErrEngineMismatch, "directory %s belongs to engine %q, not %q", dir, owner, engine)
		}
		return nil
	case os.IsNotExist(err):
		return errors.Wrap(os.WriteFile(path, []byte(engine), 0o644), "write engine marker")
	default:
		return errors.Wrap(err, "read engine marker")
	}
}
