// Package transport defines the boundary to the per-session messaging engine.
//
// Ownership boundary:
// - client and factory contracts consumed by the lifecycle manager
// - lifecycle event variants emitted by a client
// - recipient address normalization
//
// The protocol spoken to the messaging network lives behind Client and is not
// modelled here.
package transport
