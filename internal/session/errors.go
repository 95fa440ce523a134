// internal/session/errors.go
package session

import "errors"

// Sentinel errors surfaced by the session engine. Handlers match them with
// errors.Is and translate them into request rejections; none of them is a
// fatal fault. An invalid win claim is deliberately NOT an error: it is a
// legitimate outcome reported through ClaimResult.
var (
	// ErrAlreadyJoined means the identity already holds an active membership
	// in a lobby of the requested buy-in tier.
	ErrAlreadyJoined = errors.New("already joined a lobby of this tier")

	// ErrLobbyFull means admission would exceed the lobby's player capacity.
	ErrLobbyFull = errors.New("lobby is full")

	// ErrLobbyNotFound means the lobby id resolves to nothing, usually
	// because the lobby's TTL elapsed.
	ErrLobbyNotFound = errors.New("lobby not found")

	// ErrWrongPhase means the operation is not allowed in the lobby's
	// current phase.
	ErrWrongPhase = errors.New("operation not allowed in current phase")

	// ErrInvalidGrid means the submitted grid violates the grid invariants
	// (shape, distinctness, value range).
	ErrInvalidGrid = errors.New("invalid grid")

	// ErrInactivePlayer means the identity holds no active membership in the
	// lobby (never joined, or kicked after an invalid claim).
	ErrInactivePlayer = errors.New("player is not active in this lobby")

	// ErrAlreadyDecided means another claim won the race; the lobby is
	// already finished with a winner.
	ErrAlreadyDecided = errors.New("game already decided")

	// ErrStoreUnavailable wraps ephemeral-store I/O failures. It is the only
	// error class callers may retry transparently.
	ErrStoreUnavailable = errors.New("ephemeral store unavailable")
)
