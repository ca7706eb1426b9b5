//go:build !unix

package flock

import (
	"errors"
	"os"
)

// Without flock(2) the lock is an exclusively created file that is removed
// on release. A crashed holder leaves it behind; remove it by hand.
func tryLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errWouldBlock
		}
		return nil, err
	}
	return f, nil
}

func unlock(path string, f *os.File) error {
	if f == nil {
		return nil
	}
	err := f.Close()
	if rerr := os.Remove(path); err == nil {
		err = rerr
	}
	return err
}
