package registry

import "errors"

var (
	// ErrNotFound is returned by GetAgentInfo when the address has never
	// registered. Looking up another peer and getting this error is a
	// normal, non-fatal condition.
	ErrNotFound = errors.New("registry: agent not found")

	// ErrMalformedMetadata is returned by GetPublicKey when the agent's
	// metadata JSON is missing "publicKey" or it does not parse as hex.
	ErrMalformedMetadata = errors.New("registry: malformed metadata")

	// ErrRegistration is returned by RegisterSelf on any on-chain failure
	// other than "already registered", which is treated as success.
	ErrRegistration = errors.New("registry: registration failed")
)
