// Package backend defines the storage collaborator the block-I/O engine works
// against: a Backend that opens read handles (bound to a volume and optional
// snapshot) and write handles (bound to a volume), creates images, and a
// Registry that maps volume reference schemes to Backend implementations.
package backend
