package ktimer

import "errors"

// Error taxonomy. Only ErrUnsupportedVersion (and a wholly unreadable image)
// aborts a run; everything else degrades to partial results, since an analyst
// prefers partial output over a hard failure.
var (
	// ErrNotFound: an export, signature or table address was absent for one
	// lookup path. The caller falls through to the next candidate or reports
	// the table as unlocatable.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedVersion: the OS version matches none of the known timer
	// table layouts. Fatal for the run, zero records.
	ErrUnsupportedVersion = errors.New("unsupported kernel version")

	// ErrCorruptRegion: an image read came up short or failed. The offending
	// record or lookup is skipped.
	ErrCorruptRegion = errors.New("corrupt or paged-out image region")

	// ErrUnresolvedCallback: the DPC pointer could not be recovered. The
	// record is still emitted, attributed to module UNKNOWN.
	ErrUnresolvedCallback = errors.New("callback unresolved")
)
