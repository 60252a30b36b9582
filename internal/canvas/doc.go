// Package canvas defines the node model and the node store.
//
// The store is the sole owner of node state. Lookup is backed by an
// id-indexed map; z-order is a separate explicit ordering list mutated only
// by the reorder operations. Nothing in this repository assumes the node
// list's array order is stable across z-order changes.
package canvas
