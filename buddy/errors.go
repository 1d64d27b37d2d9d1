package buddy

import "github.com/pkg/errors"

// InvalidArgumentError is returned when a manager is created with malformed
// parameters or an operation is requested with ones (a negative order, a
// zero-size range). It is always detected before any state is mutated.
var InvalidArgumentError error = errors.New("invalid argument")

// OutOfSpaceError is returned when no free block can satisfy an allocation, or
// when a requested range conflicts with a block that is already allocated. The
// caller may retry after freeing other blocks.
var OutOfSpaceError error = errors.New("no room in the managed range")

// OutOfMemoryError is returned when the manager's block node budget is
// exhausted while building roots or splitting a block. Any partial work
// performed by the failing call is unwound before the error is returned.
var OutOfMemoryError error = errors.New("block node budget exhausted")
