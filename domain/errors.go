package domain

import (
	"errors"
	"fmt"
)

var ErrNotAuthorized = errors.New("caller is not authorized")
var ErrAlreadyQueued = errors.New("account is already queued")
var ErrAlreadyActive = errors.New("account is currently being processed")
var ErrNotQueued = errors.New("account is not queued")
var ErrNotFullyCommitted = errors.New("account has a withdrawal in progress")
var ErrStoreEntityNotFound = errors.New("store resource not found")

// UnstakeRejected is the structured outcome of a finalize call that the
// staking system refused, for example because the destination pool did not
// accept the join. It is recorded, not retried.
type UnstakeRejected struct {
	Reason string
}

func (e *UnstakeRejected) Error() string {
	return fmt.Sprintf("unstake rejected: %s", e.Reason)
}
