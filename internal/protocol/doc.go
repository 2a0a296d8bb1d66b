// Package protocol owns the datagram wire contract and its encoding primitives.
//
// Ownership boundary:
// - growable message buffer (write/read cursor, bounds-checked reads)
// - fixed-width and length-prefixed field encoding
// - leading command tag and reserved command codes
//
// Wire format:
// - every integer and float is little endian (ByteOrder)
// - strings and byte sequences carry an int32 byte-count prefix
// - fields carry no type tags; writer and reader must agree on order
//
// Decoding fields in a different order than they were written yields
// unspecified values. Such a read may succeed with garbage or may fail
// with ErrTruncated/ErrInvalidLength; callers own their per-command schema.
package protocol
