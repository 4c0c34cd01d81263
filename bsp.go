package mqttloop

import "time"

// Socket is a descriptor handed out by a NetBSP.
type Socket int

// InvalidSocket is never returned by a successful CreateSocket.
const InvalidSocket Socket = -1

// File is a descriptor handed out by a ResourceBSP.
type File int

// SelectRequest asks Select to watch a socket. Select fills Ready.
type SelectRequest struct {
	Socket Socket
	Events EventKind
	Ready  EventKind
}

// NetBSP is the non-blocking socket boundary consumed by the transport
// stage. Calls never block: an operation that cannot complete returns
// StatusWantRead or StatusWantWrite. Peer shutdown is reported as
// StatusConnectionResetByPeer.
type NetBSP interface {
	// CreateSocket allocates a socket.
	CreateSocket() (Socket, Status)

	// Connect starts connecting. StatusWantWrite means in progress.
	Connect(s Socket, host string, port uint16) Status

	// ConnectionCheck completes an in-progress connect.
	ConnectionCheck(s Socket, host string, port uint16) Status

	// Write sends up to len(p) bytes.
	Write(s Socket, p []byte) (int, Status)

	// Read receives up to len(p) bytes.
	Read(s Socket, p []byte) (int, Status)

	// Close releases the socket.
	Close(s Socket) Status

	// Select waits up to timeout for any requested event and fills Ready.
	Select(reqs []SelectRequest, timeout time.Duration) Status

	// Wakeup interrupts a Select in progress. Safe for concurrent use.
	Wakeup()
}

// TLSEngine is a non-blocking TLS session driven by the TLS stage.
// Ciphertext enters through Feed and leaves through Drain; the engine never
// touches a socket.
type TLSEngine interface {
	// Handshake advances the handshake. StatusOK when complete,
	// StatusWantRead when more ciphertext is needed.
	Handshake() Status

	// Feed appends ciphertext received from the peer.
	Feed(p []byte)

	// Drain returns ciphertext waiting to be sent, or nil.
	Drain() []byte

	// Read returns decrypted application data. StatusWantRead when none
	// is available.
	Read(p []byte) (int, Status)

	// Write encrypts application data into the drain queue.
	Write(p []byte) (int, Status)

	// Pending returns the number of decrypted bytes ready for Read.
	Pending() int

	// Close queues a close alert and releases the session.
	Close() Status
}

// ResourceInfo describes a resource returned by Stat.
type ResourceInfo struct {
	Size int64
}

// ResourceBSP is the boundary used to load certificates and other
// resources. Implementations may answer StatusWantRead to suspend.
type ResourceBSP interface {
	Stat(name string) (ResourceInfo, Status)
	Open(name string) (File, Status)
	Read(f File, offset int64, p []byte) (int, Status)
	Close(f File) Status
}
