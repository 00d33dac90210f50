package replication

import "errors"

// ErrReplication wraps every failed shared store command.
var ErrReplication = errors.New("replication: store command failed")

// ErrRecordMissing is returned by increments on a record that has already
// been removed or has expired.
var ErrRecordMissing = errors.New("replication: record missing")
