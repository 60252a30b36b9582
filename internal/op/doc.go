// Package op defines the operation (command) model and the operation-type
// registry.
//
// Every change to the canvas is a typed, parameterized Operation. The
// registry holds one Definition per operation type: a validator that checks
// params and referenced-node existence before any side effect, an applier
// that mutates the store and reports a Changes record, and an inverter that
// consumes the undo data the applier captured. Both the optimistic client
// pipeline and the authoritative server state manager drive the same tables.
package op
