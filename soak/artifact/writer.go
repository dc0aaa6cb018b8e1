package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// WriteAtomic serialises v canonically and atomically replaces path.
//
// Protocol: write to a temp file in the target directory, flush, fsync the
// file, rename over path, then fsync the parent directory (unless disabled).
// Readers therefore always observe either the previous complete file or the
// new complete file, never a partial one.
//
// Errors from canonical encoding (ErrNumericDomain) are returned unchanged;
// filesystem errors are wrapped so callers can decide retry policy.
func WriteAtomic(path string, v any) error {
	return writeAtomic(path, v, true)
}

// WriteAtomicNoDirSync is WriteAtomic without the parent directory fsync.
// Useful on filesystems where directory fsync is a no-op or unsupported.
func WriteAtomicNoDirSync(path string, v any) error {
	return writeAtomic(path, v, false)
}

func writeAtomic(path string, v any, dirSync bool) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	return writeAtomicBytes(path, data, dirSync)
}

// writeAtomicBytes applies the atomic write protocol to pre-encoded bytes.
// Used for non-JSON artifacts such as FAILURES.md.
func writeAtomicBytes(path string, data []byte, dirSync bool) error {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	defer pf.Cleanup() //nolint:errcheck // best-effort removal of the temp file

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if err := pf.Sync(); err != nil {
		return fmt.Errorf("atomic write %s: fsync: %w", path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomic write %s: rename: %w", path, err)
	}

	if dirSync {
		if err := syncDir(filepath.Dir(path)); err != nil {
			return fmt.Errorf("atomic write %s: dir fsync: %w", path, err)
		}
	}
	return nil
}

// syncDir fsyncs a directory so the rename itself is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
