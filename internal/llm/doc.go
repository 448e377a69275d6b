// Package llm defines the provider-agnostic request and response model shared
// by every adapter, together with the capability-aware strategy selector.
// Vendor wire formats live in the sub-packages; nothing here performs I/O.
package llm
