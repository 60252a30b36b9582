// Package app wires the sync server together: configuration, logging,
// persistence, the authoritative state manager, and the socket.io transport,
// plus the process lifecycle around them.
package app
