package apperrors

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrDuplicateUID        = errors.New("node uid already exists in project")
	ErrDanglingParent      = errors.New("parent node does not exist in project")
	ErrRootConflict        = errors.New("project already has a root node")
	ErrForbidden           = errors.New("forbidden")
	ErrHasChildren         = errors.New("node has children")
	ErrCycleDetected       = errors.New("move would create a cycle")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrAlreadyBootstrapped = errors.New("project already has a mind map")
	ErrLastAdmin           = errors.New("cannot remove last admin")
	ErrImmutableMember     = errors.New("project creator membership cannot be changed")
	ErrInvalidPermission   = errors.New("invalid permission")
)

// Error kinds reported to clients on both the HTTP API and the live channel.
const (
	KindDuplicateUID   = "DuplicateUID"
	KindDanglingParent = "DanglingParent"
	KindRootConflict   = "RootConflict"
	KindForbidden      = "Forbidden"
	KindHasChildren    = "HasChildren"
	KindCycleDetected  = "CycleDetected"
	KindNotFound       = "NotFound"
	KindInvalidPayload = "InvalidPayload"
	KindConflict       = "Conflict"
	KindInternal       = "Internal"
)

// Kind classifies err into one of the client-facing error kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateUID):
		return KindDuplicateUID
	case errors.Is(err, ErrDanglingParent):
		return KindDanglingParent
	case errors.Is(err, ErrRootConflict):
		return KindRootConflict
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrImmutableMember), errors.Is(err, ErrLastAdmin):
		return KindForbidden
	case errors.Is(err, ErrHasChildren):
		return KindHasChildren
	case errors.Is(err, ErrCycleDetected):
		return KindCycleDetected
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrInvalidPermission):
		return KindInvalidPayload
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyBootstrapped):
		return KindConflict
	default:
		return KindInternal
	}
}
