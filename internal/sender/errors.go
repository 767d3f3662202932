package sender

import (
	"errors"

	"SwarmSync/internal/config"
	"SwarmSync/internal/message"
	"SwarmSync/internal/swarm"
)

var (
	// ErrInvalidMessage is returned for a message that fails validation or
	// is a forbidden self-send.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrProtoConversion is returned when the content cannot be serialized.
	ErrProtoConversion = errors.New("couldn't convert message to proto")

	// ErrNoUserEd25519KeyPair is returned when the local signing key is missing.
	ErrNoUserEd25519KeyPair = errors.New("couldn't find user ed25519 key pair")

	// ErrNoKeyPair is returned when no encryption key of a group is known.
	ErrNoKeyPair = errors.New("couldn't find a key pair for the group")

	// ErrInvalidClosedGroupUpdate is returned for a malformed group control message.
	ErrInvalidClosedGroupUpdate = errors.New("invalid group update")

	// ErrInvalidDestination is returned when a message cannot be sent this way.
	ErrInvalidDestination = errors.New("invalid destination")
)

// IsRetryable reports whether a failed send may succeed when repeated.
// Validation failures, missing signing material and lost group
// membership are permanent.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrProtoConversion),
		errors.Is(err, ErrInvalidClosedGroupUpdate),
		errors.Is(err, ErrInvalidDestination),
		errors.Is(err, ErrNoUserEd25519KeyPair),
		errors.Is(err, ErrNoKeyPair),
		errors.Is(err, config.ErrNotMember),
		errors.Is(err, message.ErrEmpty):
		return false
	}

	return swarm.IsRetryable(err)
}
