package db

import (
	"fmt"

	"github.com/maxpert/txncoord/txn"
)

// ChecksumError is returned when a stored object payload fails verification.
type ChecksumError struct {
	ObjectID txn.ObjectID
	Expected uint64
	Actual   uint64
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("object %d: checksum mismatch (expected %016x, got %016x)", e.ObjectID, e.Expected, e.Actual)
}
