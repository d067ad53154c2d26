package state

import (
	"fmt"
	"os"
	"time"
)

// fileLock holds an exclusive OS lock next to the state document so two
// bridge processes cannot write the same destination state.
type fileLock struct {
	path string
	file *os.File
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	fmt.Fprintf(f, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))

	return &fileLock{path: path, file: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	unlock(l.file)
	err := l.file.Close()
	l.file = nil
	return err
}
