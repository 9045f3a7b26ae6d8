package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/ledgerops/go-unstake-scheduler/domain"
	"github.com/pkg/errors"
)

// OnIdle runs one cooperative scheduling step. It never consumes more than
// the given compute ceiling and returns the compute actually spent. A zero
// return with no error means no progress was possible: the ledger is busy
// with an election, the rate is zero, there is no work, or the ceiling does
// not cover the next step. Collaborator failures abort the tick with the
// compute spent so far; all state stays consistent for the next tick.
func (s *Scheduler) OnIdle(ctx context.Context, available domain.ComputeUnits) (domain.ComputeUnits, error) {
	status, err := s.ledgerClient.GetChainStatus(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "getting chain status")
	}
	s.schedulerMetrics.SetChainStatus(status.CurrentEpoch, status.WindowSize)

	if status.ElectionInProgress {
		log.Printf("[INFO] Election in progress, skipping tick.")
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rate == 0 {
		return 0, nil
	}

	var consumed domain.ComputeUnits
	var verified uint32

	for {
		if s.head == nil {
			if len(s.queue) == 0 {
				break
			}
			if available-consumed < s.config.PromotionCost {
				break
			}
			if err := s.promote(); err != nil {
				return consumed, err
			}
			consumed += s.config.PromotionCost
		}

		spent, halt, err := s.verifyHead(ctx, status, available-consumed, &verified)
		consumed += spent
		if err != nil {
			return consumed, err
		}
		if halt {
			break
		}
		if s.head == nil {
			// request was aborted, move on to the next entry
			continue
		}

		// the confirmation window is complete, finalize if affordable
		finalizeCost := s.stakingClient.FinalizeCost()
		if available-consumed < finalizeCost {
			break
		}
		consumed += finalizeCost
		if err := s.finalizeHead(ctx); err != nil {
			return consumed, err
		}
	}

	s.schedulerMetrics.SetQueueSize(len(s.queue))
	s.schedulerMetrics.AddConsumedCompute(uint64(consumed))
	return consumed, nil
}

// promote moves the lexically smallest queued account into the head slot.
// The ordering is arbitrary but deterministic, and every entry eventually
// reaches the front because entries are only removed, never reordered.
func (s *Scheduler) promote() error {
	account := ""
	for candidate := range s.queue {
		if account == "" || candidate < account {
			account = candidate
		}
	}
	poolID := s.queue[account]
	if err := s.stateStore.RemoveQueued(account); err != nil {
		return errors.Wrapf(err, "removing queued account [%s]", account)
	}
	head := &domain.UnstakeRequest{Account: account, PoolID: poolID}
	if err := s.stateStore.SetHead(head); err != nil {
		return errors.Wrapf(err, "storing head [%s]", account)
	}
	delete(s.queue, account)
	s.head = head
	log.Printf("[INFO] Processing unstake request of account [%s].", account)
	return nil
}

// verifyHead verifies outstanding window epochs for the current head, newest
// first, until the window is complete, the per-tick rate is used up, or the
// remaining budget cannot afford the next epoch. A halt return means the
// tick should stop; a nil head afterwards means the request was aborted
// because the account turned out to be exposed.
func (s *Scheduler) verifyHead(ctx context.Context, status *domain.ChainStatus,
	budget domain.ComputeUnits, verified *uint32) (domain.ComputeUnits, bool, error) {

	var spent domain.ComputeUnits
	var checkedNow []uint32

	halt := false
	for {
		// recomputed every round: the window slides with the current epoch
		unchecked := s.head.UncheckedEpochs(status.CurrentEpoch, status.WindowSize)
		if len(unchecked) == 0 {
			break
		}
		if *verified >= s.rate {
			halt = true
			break
		}
		epoch := unchecked[0]
		cost, err := s.stakingClient.VerificationCost(ctx, epoch)
		if err != nil {
			s.publishChecked(ctx, checkedNow)
			return spent, true, errors.Wrapf(err, "estimating verification cost for epoch [%d]", epoch)
		}
		if budget-spent < cost {
			halt = true
			break
		}
		clean, err := s.stakingClient.VerifyEpoch(ctx, s.head.Account, epoch)
		if err != nil {
			s.publishChecked(ctx, checkedNow)
			return spent, true, errors.Wrapf(err, "verifying epoch [%d]", epoch)
		}
		spent += cost
		*verified++

		if !clean {
			log.Printf("[WARN] Account [%s] was exposed in epoch [%d], aborting unstake request.",
				s.head.Account, epoch)
			s.publishChecked(ctx, checkedNow)
			s.recordOutcome(ctx, domain.UnstakedEvent{
				Account: s.head.Account,
				PoolID:  s.head.PoolID,
				Success: false,
				Reason:  fmt.Sprintf("account exposed in epoch %d", epoch),
			})
			if err := s.clearHead(); err != nil {
				return spent, true, err
			}
			return spent, false, nil
		}

		s.head.AddChecked(epoch, status.CurrentEpoch, status.WindowSize)
		if err := s.stateStore.SetHead(s.head); err != nil {
			return spent, true, errors.Wrap(err, "persisting verification progress")
		}
		checkedNow = append(checkedNow, epoch)
	}

	s.publishChecked(ctx, checkedNow)
	return spent, halt, nil
}

// finalizeHead performs the external unstake call. A structured rejection is
// recorded as a failed outcome and does not block clearing the slot; only
// transport level failures abort the tick and leave the head for a retry.
func (s *Scheduler) finalizeHead(ctx context.Context) error {
	request := s.head
	err := s.stakingClient.FinalizeUnstake(ctx, request.Account, request.PoolID)

	var rejected *domain.UnstakeRejected
	if err != nil && !errors.As(err, &rejected) {
		return errors.Wrapf(err, "finalizing unstake for account [%s]", request.Account)
	}

	outcome := domain.UnstakedEvent{
		Account: request.Account,
		PoolID:  request.PoolID,
		Success: rejected == nil,
	}
	if rejected != nil {
		outcome.Reason = rejected.Reason
		log.Printf("[WARN] Unstake of account [%s] was rejected: %s.", request.Account, rejected.Reason)
	} else {
		log.Printf("[INFO] Account [%s] unstaked.", request.Account)
	}
	s.recordOutcome(ctx, outcome)
	return s.clearHead()
}

func (s *Scheduler) clearHead() error {
	if err := s.stateStore.ClearHead(); err != nil {
		return errors.Wrap(err, "clearing head")
	}
	s.head = nil
	return nil
}

func (s *Scheduler) publishChecked(ctx context.Context, epochs []uint32) {
	if len(epochs) == 0 {
		return
	}
	event := domain.CheckedEvent{Account: s.head.Account, Epochs: epochs}
	if err := s.publisher.PublishChecked(ctx, event); err != nil {
		log.Printf("[WARN] Publishing checked event failed: %v", err)
	}
	s.schedulerMetrics.AddCheckedEpochs(len(epochs))
}

func (s *Scheduler) recordOutcome(ctx context.Context, event domain.UnstakedEvent) {
	if err := s.publisher.PublishUnstaked(ctx, event); err != nil {
		log.Printf("[WARN] Publishing unstake outcome failed: %v", err)
	}
	s.schedulerMetrics.IncUnstaked(event.Success)
}
