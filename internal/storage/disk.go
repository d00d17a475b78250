package storage

import (
	"os"
)

// DatabaseFiles lists the main database file and the sidecars SQLite keeps
// beside it in WAL mode.
func DatabaseFiles(dbPath string) []string {
	return []string{dbPath, dbPath + "-wal", dbPath + "-shm"}
}

// DiskUsage reports the bytes held by the store on disk, WAL included.
func (s *SQLiteStore) DiskUsage() (int64, error) {
	return fileBytes(DatabaseFiles(s.path)...)
}

// fileBytes sums the sizes of regular files. Absent files count as zero; the
// sidecars only exist while a connection is open.
func fileBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		switch {
		case os.IsNotExist(err):
			continue
		case err != nil:
			return 0, err
		case info.Mode().IsRegular():
			total += info.Size()
		}
	}
	return total, nil
}
