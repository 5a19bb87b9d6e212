package messaging

import "errors"

var (
	// ErrNoRoute is returned by Send when the recipient cannot be resolved
	// to an overlay peer id.
	ErrNoRoute = errors.New("messaging: no route to recipient")

	// ErrPublishFailed is returned by Send on a gossip transport error.
	ErrPublishFailed = errors.New("messaging: publish failed")

	// ErrSignatureInvalid marks an inbound message dropped for signature
	// verification failure. It is informational for callers that want to
	// surface it on an API stream; it is never returned by Send.
	ErrSignatureInvalid = errors.New("messaging: signature invalid")

	// ErrEncryption is returned by Send when recipient key lookup or
	// hybrid encryption fails while encryption is enabled.
	ErrEncryption = errors.New("messaging: encryption failed")
)
