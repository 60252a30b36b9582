// Package transport carries canvas operations between clients and the sync
// server over socket.io.
//
// The server side joins each client into a per-project room and answers
// every request with an explicit response event; the client side wraps the
// request/response pairs behind the interfaces the pipeline and the undo
// manager consume. All payloads are plain JSON-shaped maps so either end can
// evolve independently of the other's struct layout.
package transport
