// Package credstore persists the gateway connection pair between runs.
package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/clawdeck/core"
	"pkt.systems/kryptograf"
	"pkt.systems/pslog"
)

const descriptorName = "clawdeck:credentials"

// File is an encrypted key-value file. The whole map is rewritten on every change.
type File struct {
	path         string
	keyStorePath string
	log          pslog.Logger

	mu sync.Mutex
}

var _ core.CredentialStore = (*File)(nil)

// NewFile opens the credential file at path, encrypting with keys held in keyStorePath.
func NewFile(path, keyStorePath string, logger pslog.Logger) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("credential store path is required")
	}
	if err := EnsureKeyStore(keyStorePath, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("credential_store", path)
	}
	return &File{path: path, keyStorePath: keyStorePath, log: logger}, nil
}

// Get returns the value stored under key.
func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		f.warn("credstore get failed", key, err)
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

// Set stores value under key.
func (f *File) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("credential key is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		f.warn("credstore set failed", key, err)
		return err
	}
	values[key] = value
	if err := f.save(values); err != nil {
		f.warn("credstore set failed", key, err)
		return err
	}
	if f.log != nil {
		f.log.Debug("credstore set ok", "key", key)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		f.warn("credstore remove failed", key, err)
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	if len(values) == 0 {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.warn("credstore remove failed", key, err)
			return err
		}
		return nil
	}
	if err := f.save(values); err != nil {
		f.warn("credstore remove failed", key, err)
		return err
	}
	return nil
}

func (f *File) load() (map[string]string, error) {
	values := map[string]string{}
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()
	material, root, err := loadMaterial(f.keyStorePath)
	if err != nil {
		return nil, err
	}
	reader, err := kryptograf.New(root).DecryptReader(file, material)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return values, nil
}

func (f *File) save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return err
	}
	material, root, err := loadMaterial(f.keyStorePath)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "credentials-*.enc")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	// The encrypt writer closes its destination; tmp stays open for Sync.
	writer, err := kryptograf.New(root).EncryptWriter(fileWriter{tmp}, material)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// fileWriter hides Close from the encrypt writer.
type fileWriter struct {
	io.Writer
}

// warn never logs values, only the key name.
func (f *File) warn(msg, key string, err error) {
	if f.log != nil {
		f.log.Warn(msg, "key", key, "err", err)
	}
}
