package ftpd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"
)

// describe formats one listing line. Long lines mimic "ls -l"; the year is
// shown instead of the time of day when it differs from the current year.
func describe(info os.FileInfo, full bool, now time.Time) string {
	if !full {
		return info.Name() + "\r\n"
	}

	perm := "-rw-r--r--"
	if info.IsDir() {
		perm = "drwxr-xr-x"
	}

	mt := info.ModTime().In(now.Location())
	month := mt.Month().String()[:3]

	if mt.Year() != now.Year() {
		return fmt.Sprintf("%s 1 owner group %10d %s %2d %5d %s\r\n",
			perm, info.Size(), month, mt.Day(), mt.Year(), info.Name())
	}
	return fmt.Sprintf("%s 1 owner group %10d %s %2d %02d:%02d %s\r\n",
		perm, info.Size(), month, mt.Day(), mt.Hour(), mt.Minute(), info.Name())
}

// writeListing writes the entries of path to w. When path is not a readable
// directory it is split into a directory and a wildcard pattern, and the
// matching entries of that directory are listed instead. Failures of the
// fallback produce an empty listing.
func writeListing(fs afero.Fs, path string, full bool, now time.Time, w io.Writer) error {
	entries, err := afero.ReadDir(fs, path)
	if err == nil {
		for _, info := range entries {
			if _, err := io.WriteString(w, describe(info, full, now)); err != nil {
				return err
			}
		}
		return nil
	}

	dir, pattern := splitPath(path)
	entries, err = afero.ReadDir(fs, dir)
	if err != nil {
		return nil
	}
	for _, info := range entries {
		if !Match(info.Name(), pattern) {
			continue
		}
		if _, err := io.WriteString(w, describe(info, full, now)); err != nil {
			return err
		}
	}
	return nil
}
