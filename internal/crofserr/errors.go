// Package crofserr defines the error taxonomy shared by every component of
// the filesystem, and the mapping from that taxonomy onto POSIX errno
// (consumed at the FUSE boundary) and HTTP status (consumed at the control
// plane boundary). It plays the same role here that the nydus DaemonError
// and RAFS error enums play in the original: a single place call sites wrap
// into, and a single place the two outer boundaries translate out of.
package crofserr

import (
	"syscall"

	"golang.org/x/xerrors"
)

// Kind identifies one of the error classes from the error handling design.
type Kind int

const (
	_ Kind = iota
	// MalformedMetadata: bootstrap corrupt, bounds violation, bad magic or
	// version. Fatal to the mount.
	MalformedMetadata
	// IntegrityError: digest mismatch or size mismatch. Fatal to the
	// specific read.
	IntegrityError
	// CorruptChunk: decompression failure. Treated like IntegrityError.
	CorruptChunk
	// NotFound: no such name in a directory.
	NotFound
	// NotASymlink: readlink on a non-symlink inode.
	NotASymlink
	// NotARegularFile: a read-plan request against a non-regular inode.
	NotARegularFile
	// NotADirectory: readdir/lookup against a non-directory inode.
	NotADirectory
	// BackendError wraps a transient or permanent storage-backend failure.
	BackendError
	// InvalidState: the daemon state machine rejected a transition.
	InvalidState
	// NotReady: a control request arrived during Init or Upgrading.
	NotReady
	// AlreadyMounted: a duplicate /mount request for an active mountpoint.
	AlreadyMounted
)

func (k Kind) String() string {
	switch k {
	case MalformedMetadata:
		return "malformed metadata"
	case IntegrityError:
		return "integrity error"
	case CorruptChunk:
		return "corrupt chunk"
	case NotFound:
		return "not found"
	case NotASymlink:
		return "not a symlink"
	case NotARegularFile:
		return "not a regular file"
	case NotADirectory:
		return "not a directory"
	case BackendError:
		return "backend error"
	case InvalidState:
		return "invalid state"
	case NotReady:
		return "not ready"
	case AlreadyMounted:
		return "already mounted"
	default:
		return "unknown error"
	}
}

// Transience classifies a BackendError.
type Transience int

const (
	// Permanent errors (404, auth failure, range beyond object) are
	// surfaced immediately, never retried.
	Permanent Transience = iota
	// Transient errors (timeout, 5xx, connection reset) are safe to retry.
	// No caller in this module retries them: the chunk fetch path returns
	// them to the reader on the first failure.
	Transient
)

// Error is the concrete error type every crofs component returns. It wraps
// an underlying cause (via xerrors, for %w-style chains) with a Kind the
// two boundary layers can switch on.
type Error struct {
	Kind       Kind
	Transience Transience // meaningful only when Kind == BackendError
	Op         string     // e.g. "lookup", "plan_read", "mount"
	Path       string     // inode name or blob id, when known
	Err        error      // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error wrapping cause. cause may be nil.
func New(kind Kind, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// NewBackend builds a BackendError with an explicit transience.
func NewBackend(t Transience, op, path string, cause error) *Error {
	return &Error{Kind: BackendError, Transience: t, Op: op, Path: path, Err: cause}
}

// Wrap attaches op/path context to an existing error without forcing a
// Kind, using xerrors so %w chains stay intact for errors.Is/As.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return xerrors.Errorf("%s: %w", op, err)
}

// KindOf extracts the Kind from err, walking the chain with xerrors.As. The
// second return is false if neither err nor anything it wraps is a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Errno maps a crofs error onto the POSIX errno the FUSE boundary must
// return, per the error handling design's propagation table.
func Errno(err error) syscall.Errno {
	kind, ok := KindOf(err)
	if !ok {
		return syscall.EIO
	}
	switch kind {
	case MalformedMetadata, IntegrityError, CorruptChunk, BackendError:
		return syscall.EIO
	case NotFound:
		return syscall.ENOENT
	case NotASymlink:
		return syscall.EINVAL
	case NotARegularFile:
		return syscall.EISDIR
	case NotADirectory:
		return syscall.ENOTDIR
	default:
		return syscall.EIO
	}
}

// HTTPStatus maps a crofs error onto the HTTP status the control plane must
// return.
func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return 500
	}
	switch kind {
	case NotFound:
		return 404
	case AlreadyMounted:
		return 409
	case InvalidState, NotReady:
		return 400
	default:
		return 500
	}
}
