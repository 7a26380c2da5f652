package binary

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Archive keeps one content addressed copy of every mapped file it is
// handed, with LRU caches in front of the hashing and the filesystem.
type Archive struct {
	hashes  *lru.Cache // file version -> hash
	stored  *lru.Cache // hash -> present in binsDir
	binsDir string
}

// NewArchive creates a size-constrained archive rooted at binsDir
func NewArchive(size int, binsDir string) (*Archive, error) {
	hashes, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	stored, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	// Create bins directory if it doesn't exist
	if err := os.MkdirAll(binsDir, 0755); err != nil {
		return nil, err
	}

	return &Archive{
		hashes:  hashes,
		stored:  stored,
		binsDir: binsDir,
	}, nil
}

// HasBinary checks if a binary hash is known to be archived
func (a *Archive) HasBinary(hash string) bool {
	if _, found := a.stored.Get(hash); found {
		return true
	}
	if _, err := os.Stat(a.BinaryPath(hash)); err == nil {
		a.stored.Add(hash, true)
		return true
	}
	return false
}

// BinaryPath returns the path where a binary with given hash is stored
func (a *Archive) BinaryPath(hash string) string {
	return filepath.Join(a.binsDir, hash[:2], hash+".bin")
}

// Store archives the file at sourcePath if its content is not archived
// yet and returns its hash.
func (a *Archive) Store(sourcePath string) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", sourcePath)
	}

	version := fmt.Sprintf("%s:%d:%d", sourcePath, info.Size(), info.ModTime().UnixNano())
	if v, ok := a.hashes.Get(version); ok {
		hash := v.(string)
		if a.HasBinary(hash) {
			return hash, nil
		}
	}

	hash, err := HashFile(sourcePath)
	if err != nil {
		return "", err
	}
	a.hashes.Add(version, hash)

	if a.HasBinary(hash) {
		return hash, nil
	}
	if err := a.storeBinary(sourcePath, hash); err != nil {
		return "", err
	}
	a.stored.Add(hash, true)
	log.Debugf("Archived %s as %s", sourcePath, hash)
	return hash, nil
}

// storeBinary copies a binary to the storage location based on its hash
func (a *Archive) storeBinary(sourcePath, hash string) error {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	dirPath := filepath.Join(a.binsDir, hash[:2])
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return err
	}

	// write under a temporary name so a partial copy is never visible
	tmp, err := os.CreateTemp(dirPath, hash+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, sourceFile); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0444); err != nil {
		log.Printf("Warning: Failed to set permissions on binary: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), a.BinaryPath(hash))
}

// HashFile returns the hex BLAKE3 digest of a file's content
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
