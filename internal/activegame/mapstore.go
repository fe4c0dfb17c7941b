package activegame

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrMapNotFound = errors.New("map not found")

// MapStore finds the local file of a map.
type MapStore interface {
	MapPath(hash, format string) (string, error)
}

// LocalMapStore keeps maps named by their hash, fanned out by the first two
// byte pairs of the hash: <dir>/ab/cd/abcdef....scx
type LocalMapStore struct {
	Dir string
}

func NewLocalMapStore(dir string) *LocalMapStore {
	return &LocalMapStore{Dir: dir}
}

func (s *LocalMapStore) MapPath(hash, format string) (string, error) {
	hash = strings.ToLower(hash)
	if len(hash) < 4 || strings.ContainsAny(hash, `/\.`) {
		return "", fmt.Errorf("invalid map hash %q", hash)
	}
	if format != "scm" && format != "scx" {
		return "", fmt.Errorf("invalid map format %q", format)
	}

	path := filepath.Join(s.Dir, hash[0:2], hash[2:4], hash+"."+format)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMapNotFound, hash)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrMapNotFound, path)
	}
	return path, nil
}
