package dwarfs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind classifies the errors this module produces. Every error that
// crosses a package boundary is either one of these kinds or wraps one,
// so that the facade and the FUSE adapter can map it to an errno without
// inspecting error strings.
type Kind int

const (
	// Io is an underlying read error on the image map.
	Io Kind = iota
	// InvalidImage is a bad magic/version or truncated image header.
	InvalidImage
	// CorruptBlock is a decode failure on an otherwise valid block.
	CorruptBlock
	// UnsupportedCodec is a codec tag the decoder has no implementation for.
	UnsupportedCodec
	// NoEntry is ENOENT: a name or inode could not be resolved.
	NoEntry
	// NotDir is ENOTDIR.
	NotDir
	// IsDir is EISDIR.
	IsDir
	// AccessDenied is EACCES.
	AccessDenied
	// NoAttr is the attribute-not-found errno (ENODATA on Linux).
	NoAttr
	// Range is ERANGE: a destination buffer is too small.
	Range
	// BadHandle is EBADF: an unknown or stale file/directory handle.
	BadHandle
	// InvalidArgument is EINVAL.
	InvalidArgument
	// Cancelled marks a background job that was cancelled before it ran.
	Cancelled
	// ResourceExhausted is returned when a job is submitted to a worker
	// pool that has already been stopped. The pool's job queue itself is
	// unbounded and never reports this.
	ResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case InvalidImage:
		return "invalid image"
	case CorruptBlock:
		return "corrupt block"
	case UnsupportedCodec:
		return "unsupported codec"
	case NoEntry:
		return "no entry"
	case NotDir:
		return "not a directory"
	case IsDir:
		return "is a directory"
	case AccessDenied:
		return "access denied"
	case NoAttr:
		return "no attribute"
	case Range:
		return "range"
	case BadHandle:
		return "bad handle"
	case InvalidArgument:
		return "invalid argument"
	case Cancelled:
		return "cancelled"
	case ResourceExhausted:
		return "resource exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type every package in this module returns for
// conditions §7 of the specification names. It wraps an optional cause so
// %w-style callers (golang.org/x/xerrors.Errorf) keep the original error
// visible while still letting callers switch on Kind.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds an *Error, optionally wrapping cause.
func Errorf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// AsKind reports whether err (or something it wraps) is a *Error, and
// returns its Kind. Runtime errors that were never classified default to
// Io, matching the policy in §7 ("Io on the image map surfaces directly").
func AsKind(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Io, false
}

// Errno maps a Kind to the POSIX errno a host driver should report. Kinds
// with no natural errno (Cancelled, ResourceExhausted) map to EIO, since
// those only ever occur on background jobs that never reach the facade
// boundary undecorated.
func Errno(k Kind) unix.Errno {
	switch k {
	case Io, CorruptBlock, UnsupportedCodec, Cancelled, ResourceExhausted:
		return unix.EIO
	case InvalidImage:
		return unix.EINVAL
	case NoEntry:
		return unix.ENOENT
	case NotDir:
		return unix.ENOTDIR
	case IsDir:
		return unix.EISDIR
	case AccessDenied:
		return unix.EACCES
	case NoAttr:
		return unix.ENODATA
	case Range:
		return unix.ERANGE
	case BadHandle:
		return unix.EBADF
	case InvalidArgument:
		return unix.EINVAL
	default:
		return unix.EIO
	}
}

// ToErrno maps any error produced by this module to an errno, defaulting
// to EIO for unclassified errors per the §7 policy.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	kind, _ := AsKind(err)
	return Errno(kind)
}
