package state

import (
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const fileExt = ".ss"

type store struct {
	sync.Mutex
	folder string
}

// NewStore keeps one gob file per stream id under folder, creating it when
// missing.
func NewStore(folder string) (Store, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data folder %s: %w", folder, err)
	}
	return &store{folder: folder}, nil
}

func (s *store) Get(id string) (*Meta, error) {
	s.Lock()
	defer s.Unlock()

	meta, err := readMeta(s.filename(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w for stream %s", ErrNotFound, id)
	}
	return meta, err
}

func (s *store) Update(meta *Meta) error {
	if meta == nil || meta.ID == "" {
		return errors.New("stream meta requires an id")
	}
	s.Lock()
	defer s.Unlock()

	tmp, err := os.CreateTemp(s.folder, "meta-*")
	if err != nil {
		return fmt.Errorf("failed to open database file for writing: %w", err)
	}
	err = gob.NewEncoder(tmp).Encode(meta)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write stream meta to file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.filename(meta.ID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace stream meta: %w", err)
	}
	return nil
}

func (s *store) filename(id string) string {
	hash := md5.Sum([]byte(id))
	return filepath.Join(s.folder, hex.EncodeToString(hash[:])+fileExt)
}

func readMeta(name string) (*Meta, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var meta Meta
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode database result: %w", err)
	}
	return &meta, nil
}
