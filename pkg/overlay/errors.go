package overlay

import "errors"

var (
	// ErrDialTimeout is returned by Engine.Dial when a dial to a peer did
	// not complete within its per-attempt deadline.
	ErrDialTimeout = errors.New("overlay: dial timeout")

	// ErrBootstrapUnreachable is returned at startup when a non-bootstrap
	// node exhausts its retry budget with zero bootstrap connections.
	ErrBootstrapUnreachable = errors.New("overlay: no bootstrap peers reachable")

	// ErrListenerFailed is returned when the engine cannot bind its
	// listen address; this is always fatal.
	ErrListenerFailed = errors.New("overlay: listener failed to start")

	// ErrDHTTimeout names a DHT operation that exceeded its deadline. The
	// engine's DHT methods do not return it.
	ErrDHTTimeout = errors.New("overlay: dht operation timed out")

	// ErrNotRunning names an operation attempted on an engine that is not
	// running. No engine method returns it.
	ErrNotRunning = errors.New("overlay: engine not running")
)
