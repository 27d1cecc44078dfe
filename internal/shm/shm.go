//go:build unix

// Package shm allocates anonymous shared memory that can be handed to a
// compositor as a file descriptor.
//
// Where the kernel supports it the memory comes from memfd_create and is
// sealed against shrinking. Otherwise a uniquely named object is created in
// the POSIX shared-memory directory and unlinked before the descriptor is
// returned, so the name is never resolvable once Create returns.
package shm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
)

const (
	// DefaultDir is where glibc's shm_open places its objects.
	DefaultDir = "/dev/shm"

	namePrefix = "wlshot"
)

// errMemfdUnsupported signals that the preferred path is unavailable.
var errMemfdUnsupported = errors.New("memfd_create not supported")

// sysCalls is the OS boundary of the allocator.
type sysCalls struct {
	memfdCreate func(name string) (int, error)
	addSeals    func(fd int) error
	open        func(path string, flags int, mode uint32) (int, error)
	unlink      func(path string) error
	close       func(fd int) error
}

func defaultSysCalls() sysCalls {
	return sysCalls{
		memfdCreate: memfdCreate,
		addSeals:    addSeals,
		open:        unix.Open,
		unlink:      unix.Unlink,
		close:       unix.Close,
	}
}

// Allocator creates Segments.
type Allocator struct {
	dir string
	now func() time.Time
	sys sysCalls
}

// NewAllocator returns an allocator whose fallback path uses dir as the
// shared-memory namespace. An empty dir means DefaultDir.
func NewAllocator(dir string) *Allocator {
	if dir == "" {
		dir = DefaultDir
	}
	return &Allocator{dir: dir, now: time.Now, sys: defaultSysCalls()}
}

// Create returns a new, empty segment.
func (a *Allocator) Create() (*Segment, error) {
	fd, err := a.createMemfd()
	if err == nil {
		return newSegment(fd, "memfd:"+namePrefix), nil
	}
	if !errors.Is(err, errMemfdUnsupported) {
		return nil, apperrors.Wrap(err, apperrors.CodeAllocationFailed, "memfd_create")
	}

	slog.Debug("memfd unavailable, falling back to shm directory", "dir", a.dir)
	fd, path, err := a.createNamed()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeAllocationFailed, "shm open").
			WithMetadata("dir", a.dir)
	}
	return newSegment(fd, path), nil
}

func (a *Allocator) createMemfd() (int, error) {
	for {
		fd, err := a.sys.memfdCreate(namePrefix)
		switch {
		case err == nil:
			// Seals are an optimization; the segment is usable without them.
			if serr := a.sys.addSeals(fd); serr != nil {
				slog.Debug("failed to seal memfd", "error", serr)
			}
			return fd, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ENOSYS), errors.Is(err, errMemfdUnsupported):
			return -1, errMemfdUnsupported
		default:
			return -1, err
		}
	}
}

func (a *Allocator) createNamed() (int, string, error) {
	path := a.nextName()
	for {
		fd, err := a.sys.open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
		switch {
		case err == nil:
			if uerr := a.sys.unlink(path); uerr != nil {
				_ = a.sys.close(fd)
				return -1, "", fmt.Errorf("unlink %s: %w", path, uerr)
			}
			return fd, path, nil
		case errors.Is(err, unix.EEXIST):
			path = a.nextName()
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return -1, "", err
		}
	}
}

func (a *Allocator) nextName() string {
	return filepath.Join(a.dir, fmt.Sprintf("%s-%d", namePrefix, a.now().UnixNano()))
}

// Segment is an anonymous shared-memory object. The descriptor is closed by
// Close, or by the runtime once the Segment is unreachable.
type Segment struct {
	file *os.File
	size int64
	data []byte
}

func newSegment(fd int, name string) *Segment {
	return &Segment{file: os.NewFile(uintptr(fd), name)}
}

// Fd returns the descriptor backing the segment.
func (s *Segment) Fd() int {
	return int(s.file.Fd())
}

// Size returns the length set by the last Truncate.
func (s *Segment) Size() int64 {
	return s.size
}

// Truncate sizes the segment to exactly n bytes.
func (s *Segment) Truncate(n int64) error {
	if n <= 0 {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "invalid segment size %d", n)
	}
	if err := s.file.Truncate(n); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeAllocationFailed, "resize segment to %d bytes", n)
	}
	s.size = n
	return nil
}

// Map maps the whole segment read-write and shared with other processes.
func (s *Segment) Map() ([]byte, error) {
	if s.data != nil {
		return s.data, nil
	}
	if s.size <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "map of unsized segment")
	}
	data, err := unix.Mmap(s.Fd(), 0, int(s.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeAllocationFailed, "mmap segment")
	}
	s.data = data
	return data, nil
}

// Detach hands the mapping to the caller, who must release it with Unmap.
// The segment no longer tracks it afterwards.
func (s *Segment) Detach() []byte {
	data := s.data
	s.data = nil
	return data
}

// CloseFile closes the descriptor but leaves any mapping intact.
func (s *Segment) CloseFile() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Close unmaps the segment and closes its descriptor.
func (s *Segment) Close() error {
	var errs []error
	if s.data != nil {
		errs = append(errs, Unmap(s.Detach()))
	}
	errs = append(errs, s.CloseFile())
	return errors.Join(errs...)
}

// Unmap releases a mapping obtained from Map and Detach.
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
