package interfaces

// Connection represents a live client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the broadcast path independent of the WebSocket transport
type Connection interface {
	// ID returns the opaque identity issued at accept time
	ID() string

	// WriteJSON sends a JSON frame to the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Thread-safety requirement documented in interface
	// to ensure all implementations use single-writer pattern to prevent races
	WriteJSON(v any) error

	// TrySend enqueues a JSON frame without waiting for buffer space
	TrySend(v any) error

	// Close closes the connection and cleans up resources
	Close() error
}
