package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DiskUsage returns the bytes used by the database, its WAL side files and any extra
// paths such as the search index directory.
func (s *SQLiteStorage) DiskUsage(extra ...string) (int64, error) {
	paths := append([]string{s.path, s.path + "-wal", s.path + "-shm"}, extra...)
	return DiskUsageBytes(paths...)
}

// DiskUsageBytes returns the total size in bytes of the given files and directories.
// Empty and missing paths count as zero.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		n, err := pathSize(p)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func pathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
