package ingest

import "errors"

var (
	// ErrBatchDropped is returned when a batch could not be applied within its
	// retry budget. The batch is acknowledged anyway and its heartbeats are lost.
	ErrBatchDropped = errors.New("batch dropped")
)
