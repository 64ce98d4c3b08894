package shardfile

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// lock takes the advisory lock, exclusive for ReadWrite and shared for
// ReadOnly handles. A busy lock is retried LockRetries times with a fixed
// LockBackoff; any other failure is returned at once.
func (f *File) lock() error {
	how := unix.LOCK_SH
	if f.mode == ReadWrite {
		how = unix.LOCK_EX
	}
	fd := int(f.osf.Fd())
	for attempt := 0; ; attempt++ {
		err := unix.Flock(fd, how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("lock %s: %w", f.path, err)
		}
		if attempt >= f.opts.LockRetries {
			return fmt.Errorf("%w: %s (%s) after %d attempts", ErrLockContention, f.path, f.mode, attempt+1)
		}
		time.Sleep(f.opts.LockBackoff)
	}
}

func (f *File) unlock() error {
	if err := unix.Flock(int(f.osf.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", f.path, err)
	}
	return nil
}
