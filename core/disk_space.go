package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultBufferPercent is the headroom added on top of a download's size
// before it is allowed to start.
const DefaultBufferPercent = 10

// DiskSpaceError reports that a filesystem cannot hold a planned write.
type DiskSpaceError struct {
	Path      string
	Required  int64
	Available int64
	Message   string
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}

// CheckDiskSpace verifies that the filesystem holding path can take required
// bytes plus bufferPercent of headroom. path need not exist yet; the nearest
// existing ancestor is measured.
func CheckDiskSpace(path string, required int64, bufferPercent int) error {
	return CheckDiskSpaceWith(DiskFree, path, required, bufferPercent)
}

// CheckDiskSpaceWith is CheckDiskSpace with a replaceable free-space query.
func CheckDiskSpaceWith(free func(string) (int64, error), path string, required int64, bufferPercent int) error {
	if required <= 0 {
		return nil
	}
	target, err := existingAncestor(path)
	if err != nil {
		return err
	}
	available, err := free(target)
	if err != nil {
		return fmt.Errorf("query free space on %s: %w", target, err)
	}

	needed := required + required*int64(bufferPercent)/100
	if available < needed {
		return &DiskSpaceError{
			Path:      target,
			Required:  needed,
			Available: available,
			Message: fmt.Sprintf("insufficient disk space on %s: need %s (including %d%% buffer), have %s",
				target, FormatBytes(needed), bufferPercent, FormatBytes(available)),
		}
	}
	return nil
}

// existingAncestor walks up from path until it finds something that exists.
func existingAncestor(path string) (string, error) {
	p := filepath.Clean(path)
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		p = parent
	}
}
