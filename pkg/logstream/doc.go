// Package logstream provides the file primitives under durable event logs:
// offset-tracking buffered readers and writers, 4-byte big-endian
// length-delimited frames, and the fixed 32-byte control block.
package logstream
