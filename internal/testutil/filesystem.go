package testutil

import (
	"bytes"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cba-go/internal/cba"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content     []byte
	Permissions fs.FileMode
	ModTime     time.Time
	IsDirectory bool
}

// MockFilesystemManager is an in-memory filesystem for testing. Safe for
// concurrent use, so a test can change files while loops are running.
type MockFilesystemManager struct {
	mu    sync.Mutex
	files map[string]*MockFile
	now   time.Time
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files: make(map[string]*MockFile),
		now:   time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

// tick returns a fresh modification time. Callers hold mu.
func (m *MockFilesystemManager) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

// AddFile adds or replaces a file, giving it a new modification time.
// Parent directories are created as needed.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for dir := filepath.Dir(path); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if _, ok := m.files[dir]; !ok {
			m.files[dir] = &MockFile{Permissions: 0755, ModTime: m.now, IsDirectory: true}
		}
	}
	m.files[path] = &MockFile{
		Content:     append([]byte(nil), content...),
		Permissions: 0644,
		ModTime:     m.tick(),
	}
}

// AddFileAt adds or replaces a file with an explicit modification time.
func (m *MockFilesystemManager) AddFileAt(path string, content []byte, modTime time.Time) {
	m.AddFile(path, content)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path].ModTime = modTime
}

// AddDirectory adds a directory to the mock filesystem.
func (m *MockFilesystemManager) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = &MockFile{Permissions: 0755, ModTime: m.tick(), IsDirectory: true}
}

// RemoveFile deletes a file.
func (m *MockFilesystemManager) RemoveFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

func (m *MockFilesystemManager) lookup(path string) (*MockFile, error) {
	file, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return file, nil
}

func (m *MockFilesystemManager) Resolve(rawPath string) (*cba.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	file, err := m.lookup(absPath)
	if err != nil {
		return nil, err
	}
	return cba.NewPath(absPath, file.IsDirectory, newMockFileInfo(absPath, file)), nil
}

func (m *MockFilesystemManager) Open(path string) (cba.FileReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, err := m.lookup(path)
	if err != nil {
		return nil, err
	}
	if file.IsDirectory {
		return nil, fmt.Errorf("cannot open directory: %s", path)
	}
	return nopCloser{bytes.NewReader(file.Content)}, nil
}

func (m *MockFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, err := m.lookup(path)
	if err != nil {
		return nil, err
	}
	return newMockFileInfo(path, file), nil
}

// Walk visits the regular files under root in lexical order.
func (m *MockFilesystemManager) Walk(root string, fn func(p *cba.Path) error) error {
	m.mu.Lock()
	rootFile, err := m.lookup(root)
	if err == nil && !rootFile.IsDirectory {
		err = fmt.Errorf("not a directory: %s", root)
	}
	var paths []*cba.Path
	prefix := strings.TrimSuffix(root, "/") + "/"
	for path, file := range m.files {
		if file.IsDirectory || !strings.HasPrefix(path, prefix) {
			continue
		}
		paths = append(paths, cba.NewPath(path, false, newMockFileInfo(path, file)))
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
	for _, p := range paths {
		if err := fn(p); err != nil {
			if err == fs.SkipAll {
				return nil
			}
			return err
		}
	}
	return nil
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
}

func newMockFileInfo(path string, file *MockFile) *mockFileInfo {
	return &mockFileInfo{
		name:    filepath.Base(path),
		size:    int64(len(file.Content)),
		mode:    file.Permissions,
		modTime: file.ModTime,
		isDir:   file.IsDirectory,
	}
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() fs.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return nil }

// Compile-time check
var _ cba.FilesystemManager = (*MockFilesystemManager)(nil)
