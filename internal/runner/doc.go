// Package runner turns registered algorithm descriptors into executable
// programs and keeps them warm.
//
// A Program exposes the three pipeline stages. Programs are produced by a
// Runtime: the builtin runtime instantiates Go implementations compiled into
// the server, the exec runtime drives an external process over a framed JSON
// protocol on its stdin and stdout. The Cache holds at most one loaded
// instance per (algorithm, device) key and evicts idle instances when over
// capacity.
package runner
