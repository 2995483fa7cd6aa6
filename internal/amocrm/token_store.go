package amocrm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const tokenFileMode = 0o600

type TokenStore interface {
	Load() (TokenPair, error)
	Save(pair TokenPair) error
}

// FileTokenStore keeps a single TokenPair in a JSON file. Writers serialize on
// an flock held on "<path>.lock" and replace the file by rename, so readers
// never observe a partial document and need no lock.
type FileTokenStore struct {
	path string
	mu   sync.Mutex
}

func NewFileTokenStore(path string) (*FileTokenStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileTokenStore{path: path}, nil
}

func (s *FileTokenStore) Path() string {
	return s.path
}

func (s *FileTokenStore) Load() (TokenPair, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TokenPair{}, &TokenFileError{Op: "load", Path: s.path, Err: ErrTokenNotFound}
		}
		return TokenPair{}, &TokenFileError{Op: "load", Path: s.path, Err: err}
	}
	if err := validateTokenDocument(data); err != nil {
		return TokenPair{}, &TokenFileError{Op: "load", Path: s.path, Err: err}
	}
	var pair TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return TokenPair{}, &TokenFileError{Op: "load", Path: s.path, Err: fmt.Errorf("%w: %v", ErrTokenCorrupt, err)}
	}
	return pair, nil
}

func (s *FileTokenStore) Save(pair TokenPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return &TokenFileError{Op: "save", Path: s.path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &TokenFileError{Op: "save", Path: s.path, Err: err}
		}
	}
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return &TokenFileError{Op: "save", Path: s.path, Err: err}
	}
	defer unlock()

	if err := writeFileReplace(s.path, data); err != nil {
		return &TokenFileError{Op: "save", Path: s.path, Err: err}
	}
	return nil
}

func writeFileReplace(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if err := tmp.Chmod(tokenFileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return os.Chmod(path, tokenFileMode)
}
