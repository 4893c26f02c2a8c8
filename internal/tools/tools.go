package tools

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// replaced in tests to simulate a failing rename
var renameFunc = os.Rename

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func EnsureEOF(dec *yaml.Decoder) error {
	var dummy any
	if err := dec.Decode(&dummy); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("expected EOF, but found extra data")
}

func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		if path == "~" {
			path = home
		} else if strings.HasPrefix(path, "~/") {
			path = filepath.Join(home, path[2:])
		} else {
			return "", fmt.Errorf("cannot expand user in path: %s", path)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(abs), nil
}

// EnsureDir makes sure dir exists as a directory. An existing directory is
// success; an existing non-directory at that path is an error.
func EnsureDir(dir string) error {
	st, err := os.Stat(dir)
	if err == nil {
		if !st.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// lost a race with another worker creating the same dir
		if st, statErr := os.Stat(dir); statErr == nil && st.IsDir() {
			return nil
		}
		return err
	}
	return nil
}

// EmptyDir removes every regular file directly inside dir. Subdirectories
// are left alone. A missing dir is not an error.
func EmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var errs error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// WriteFileAtomic writes data to dir/name through a temp file in the same
// directory and a rename, replacing any existing file.
func WriteFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	for b := data; len(b) > 0; {
		n, err := tmp.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return renameFunc(tmpName, filepath.Join(dir, name))
}

// WriteFileAtomicNoOverwrite is WriteFileAtomic that returns os.ErrExist
// without touching anything when dir/name is already present.
func WriteFileAtomicNoOverwrite(dir, name string, data []byte) error {
	if FileExists(filepath.Join(dir, name)) {
		return os.ErrExist
	}
	return WriteFileAtomic(dir, name, data)
}

func IsPortOpen(port int, timeout time.Duration) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
