// Package common holds sentinel errors shared by the startup path. Per-envelope
// faults are never surfaced as errors: they are silent drops (see internal/demux).
package common

import "errors"

// ErrNotInDirectory indicates the local node id is not present in the configured
// node directory.
var ErrNotInDirectory = errors.New("local node id not present in the node directory")

// ErrDuplicateNodeID indicates two entries of the node directory share an id.
var ErrDuplicateNodeID = errors.New("duplicate node id in directory")

// ErrUnknownSender indicates a lookup for a sender id not present in the directory.
var ErrUnknownSender = errors.New("unknown sender id")
