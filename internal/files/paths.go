package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// filePerm is the permission set given to stored files: owner read/write,
// world read.
const filePerm = 0644

// ensureDir creates a directory and any parents if absent.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// freeSpaceAt returns the free bytes available on the filesystem hosting dir.
func freeSpaceAt(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return int64(st.Bavail) * st.Bsize, nil
}

// mirrorFile copies src to dst, leaving src intact. The write goes to a
// temporary file in the destination directory and is renamed into place, so
// dst is never observed partially written. Sizes are compared afterwards.
func mirrorFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.Size() == srcInfo.Size() {
		return nil // already there
	}

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".filecellar-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	in, err := os.Open(src)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("open %s: %w", src, err)
	}

	written, err := io.Copy(tmp, in)
	in.Close()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", dst, err)
	}

	if written != srcInfo.Size() {
		return fmt.Errorf("copy %s to %s: wrote %d of %d bytes", src, dst, written, srcInfo.Size())
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename into %s: %w", dst, err)
	}
	return nil
}

// mergeFile moves src to dst, removing src. Tries a rename first and falls
// back to mirror-then-delete across filesystems.
func mergeFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := mirrorFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s after copy: %w", src, err)
	}
	return nil
}

// MergeTree union-merges the contents of srcDir into dstDir, keeping files
// already present in dstDir, then removes srcDir.
func MergeTree(srcDir, dstDir string) error {
	if err := ensureDir(dstDir); err != nil {
		return fmt.Errorf("create %s: %w", dstDir, err)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", srcDir, err)
	}

	for _, entry := range entries {
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())

		if entry.IsDir() {
			if err := MergeTree(src, dst); err != nil {
				return err
			}
			continue
		}

		if _, err := os.Stat(dst); err == nil {
			// Destination wins; the stray copy is redundant.
			if err := os.Remove(src); err != nil {
				return fmt.Errorf("remove duplicate %s: %w", src, err)
			}
			continue
		}

		if err := mergeFile(src, dst); err != nil {
			return err
		}
	}

	if err := os.Remove(srcDir); err != nil {
		return fmt.Errorf("remove %s: %w", srcDir, err)
	}
	return nil
}

// pathIsFree probes whether a file can be opened for writing, i.e. no other
// process is expected to hold a stale handle that a rename would break.
func pathIsFree(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// givePermissions best-effort sets the standard file permission bits.
func givePermissions(path string) {
	_ = os.Chmod(path, filePerm)
}

// appendUntilNoConflict returns path, or path with " (n)" inserted before the
// extension for the first n that does not collide with an existing file.
func appendUntilNoConflict(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
