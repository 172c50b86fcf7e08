package sound

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Manager resolves the configured alert sound and exposes a content-hashed
// URL, so the browser can cache the file forever and still pick up a swapped
// asset. A missing file is not an error: the UI falls back to a beep.
type Manager struct {
	path      string
	url       string
	hash      string
	available bool
}

func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return m, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return m, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return m, err
	}
	m.hash = hex.EncodeToString(h.Sum(nil))[:16]
	m.available = true
	_, name := filepath.Split(path)
	m.url = fmt.Sprintf("/sounds/%s?v=%s", name, m.hash)
	return m, nil
}

func (m *Manager) Available() bool { return m.available }
func (m *Manager) URL() string     { return m.url }
func (m *Manager) Path() string    { return m.path }
func (m *Manager) Hash() string    { return m.hash }
