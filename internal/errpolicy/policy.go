// Package errpolicy implements the per-system/per-file error handling
// policy: Internal (abort), Broadcast (broadcast whether the I/O root
// failed across the union group, then return), or Return (return as-is).
package errpolicy

import (
	"fmt"
	"os"
)

// Kind is one of the three policies a caller may select for an IoSystem or
// File.
type Kind int

const (
	// Return hands the error straight back to the caller; the system stays
	// usable (open files remain open, decompositions remain valid).
	Return Kind = iota
	// Broadcast propagates a failed/succeeded flag from the I/O root to
	// every rank of the union group before returning, so every rank fails
	// or succeeds together. The flag carries no error code: a rank without
	// a local error gets a generic error naming the operation, not the
	// root's error or its code.
	Broadcast
	// Internal aborts the process with a message naming the source
	// operation, the way a fatal precondition violation is handled in a
	// control plane with no recovery path.
	Internal
)

// Broadcaster is the minimal collective primitive a Policy needs to
// implement Broadcast: broadcast a single int (Apply sends 1 for failure,
// 0 for success) from the root of a group to every member.
type Broadcaster interface {
	BroadcastInt(root int, v *int) error
}

// Policy applies a Kind to the return value of a public entry point.
type Policy struct {
	Kind Kind
}

// New returns a Policy with the given Kind. Return is the zero value.
func New(k Kind) Policy { return Policy{Kind: k} }

// Apply threads err through the policy. root is the rank (within b's group)
// that holds the authoritative code — always an I/O rank for collective
// calls. On Internal, Apply never returns: it prints the error and aborts
// the process with a message naming the source location.
func (p Policy) Apply(op string, b Broadcaster, root int, err error) error {
	switch p.Kind {
	case Internal:
		if err != nil {
			fmt.Fprintf(os.Stderr, "pario: fatal error in %s: %v\n", op, err)
			os.Exit(1)
		}
		return nil
	case Broadcast:
		code := 0
		if err != nil {
			code = 1
		}
		if b != nil {
			_ = b.BroadcastInt(root, &code)
		}
		if code == 0 {
			return nil
		}
		if err == nil {
			// root observed the failure; this rank didn't call the
			// driver itself (it isn't root), so it has no local err to
			// return, only the broadcast code.
			err = fmt.Errorf("%s: failed on the I/O root", op)
		}
		return err
	default: // Return
		return err
	}
}
