package domain

// ComputeUnits is the abstract compute currency handed to the scheduler by
// the host on every idle tick.
type ComputeUnits uint64

// QueueEntry is an account waiting to be processed, together with the pool
// it wants to join after unstaking, if any.
type QueueEntry struct {
	Account string  `json:"account"`
	PoolID  *uint32 `json:"poolId,omitempty"`
}

// ChainStatus is the per-tick snapshot of the ledger state the scheduler
// depends on.
type ChainStatus struct {
	CurrentEpoch       uint32 `json:"currentEpoch"`
	WindowSize         uint32 `json:"windowSize"`
	ElectionInProgress bool   `json:"electionInProgress"`
}

// UnstakeRequest is the single in-flight request. Checked holds the epochs
// already verified clean, in verification order.
type UnstakeRequest struct {
	Account string   `json:"account"`
	Checked []uint32 `json:"checked"`
	PoolID  *uint32  `json:"poolId,omitempty"`
}

func (r *UnstakeRequest) HasChecked(epoch uint32) bool {
	for _, checked := range r.Checked {
		if checked == epoch {
			return true
		}
	}
	return false
}

// UncheckedEpochs returns the epochs of the confirmation window
// [currentEpoch-windowSize+1, currentEpoch] not yet present in Checked,
// newest first. The window slides with the current epoch, so callers must
// recompute this on every tick instead of counting down a static list.
func (r *UnstakeRequest) UncheckedEpochs(currentEpoch, windowSize uint32) []uint32 {
	if windowSize == 0 {
		return nil
	}
	lowest := uint32(0)
	if currentEpoch+1 > windowSize {
		lowest = currentEpoch + 1 - windowSize
	}
	var unchecked []uint32
	for epoch := currentEpoch; ; epoch-- {
		if !r.HasChecked(epoch) {
			unchecked = append(unchecked, epoch)
		}
		if epoch == lowest {
			break
		}
	}
	return unchecked
}

// AddChecked appends a verified epoch. Epochs that slid out of the window
// are evicted first whenever the record would otherwise grow beyond the
// window size, so the record stays bounded even if the current epoch
// advanced while the request was in flight.
func (r *UnstakeRequest) AddChecked(epoch, currentEpoch, windowSize uint32) {
	if r.HasChecked(epoch) {
		return
	}
	if uint32(len(r.Checked)) >= windowSize {
		lowest := uint32(0)
		if currentEpoch+1 > windowSize {
			lowest = currentEpoch + 1 - windowSize
		}
		kept := r.Checked[:0]
		for _, checked := range r.Checked {
			if checked >= lowest && checked <= currentEpoch {
				kept = append(kept, checked)
			}
		}
		r.Checked = kept
	}
	r.Checked = append(r.Checked, epoch)
}

// CheckedEvent reports the epochs verified clean for an account within one
// tick.
type CheckedEvent struct {
	Account string   `json:"account"`
	Epochs  []uint32 `json:"epochs"`
}

// UnstakedEvent is the terminal outcome of a request. Reason is set when
// the request did not finalize successfully.
type UnstakedEvent struct {
	Account string  `json:"account"`
	PoolID  *uint32 `json:"poolId,omitempty"`
	Success bool    `json:"success"`
	Reason  string  `json:"reason,omitempty"`
}
