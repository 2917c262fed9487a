// Package pid guards against two daemons controlling the same printer.
// The printer accepts a single control connection, so a second instance
// would only fight the first one for it.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mutker/printerctl/internal/errors"
	"golang.org/x/sys/unix"
)

// File is a pid file held by the current process.
type File struct {
	path string
}

// Path returns the pid file location for the printer at addr inside dir.
// An empty dir means os.TempDir().
func Path(dir, addr string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	name := strings.NewReplacer(":", "_", "/", "_", "[", "", "]", "").Replace(addr)

	return filepath.Join(dir, "printerctl-"+name+".pid")
}

// Acquire writes the current process ID to path. A file left behind by a
// process that is no longer alive, or one that cannot be parsed, is reclaimed.
func Acquire(path string) (*File, error) {
	errFactory := errors.New()

	if pid, ok := readPid(path); ok && pid != os.Getpid() && alive(pid) {
		return nil, errFactory.WithData(errors.ErrAlreadyRunning, map[string]any{
			"pid":  pid,
			"path": path,
		})
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	return &File{path: path}, nil
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Release removes the pid file. Releasing twice is a no-op.
func (f *File) Release() error {
	if f == nil || f.path == "" {
		return nil
	}
	path := f.path
	f.path = ""

	// Someone else took over a stale file; leave theirs alone.
	if pid, ok := readPid(path); ok && pid != os.Getpid() {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	return pid, true
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to another user.
	return err == nil || err == unix.EPERM
}
