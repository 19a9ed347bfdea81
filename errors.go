package pario

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is a member of a closed error-code set. Codes from the driver and
// substrate are forwarded unchanged through the policy layer; everything
// else is mapped to EIO at the relevant façade boundary.
type Code string

const (
	NOERR       Code = ""
	EBADID      Code = "bad id"
	EINVAL      Code = "invalid argument"
	ENOMEM      Code = "out of memory"
	EBADIOTYPE  Code = "unrecognized iotype"
	ENOTNC4     Code = "operation requires a chunked-format file"
	EEDGE       Code = "start+count exceeds variable edge"
	EBADTYPE    Code = "unhandled element type"
	EIO         Code = "I/O error"
)

// Error is the structured error every public go-pario call returns: an
// op/id/code/errno shape, the same one a syscall-heavy error type would
// use, applied here to systems/files/decompositions instead of devices and
// queues.
type Error struct {
	Op     string        // operation that failed (e.g. "InitDecomp", "WriteDarray")
	SysID  int32         // owning IoSystem id, 0 if not applicable
	FileID int32         // owning File id, 0 if not applicable
	Code   Code          // high-level error category
	Errno  syscall.Errno // underlying errno, 0 if not applicable
	Msg    string        // human-readable message
	Inner  error         // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.SysID != 0 {
		parts = append(parts, fmt.Sprintf("sys=%d", e.SysID))
	}
	if e.FileID != 0 {
		parts = append(parts, fmt.Sprintf("file=%d", e.FileID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("pario: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("pario: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a new structured error not tied to any system or file.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewSysError creates a new error tied to an IoSystem id.
func NewSysError(op string, sysID int32, code Code, msg string) *Error {
	return &Error{Op: op, SysID: sysID, Code: code, Msg: msg}
}

// NewFileError creates a new error tied to a File id.
func NewFileError(op string, fileID int32, code Code, msg string) *Error {
	return &Error{Op: op, FileID: fileID, Code: code, Msg: msg}
}

// WrapError wraps an arbitrary error with pario context, mapping substrate
// and syscall failures to EIO the way the substrate façade and the driver
// façade are required to at their boundary.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{Op: op, SysID: pe.SysID, FileID: pe.FileID, Code: pe.Code, Errno: pe.Errno, Msg: pe.Msg, Inner: pe.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: EIO, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: EIO, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code Code) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
