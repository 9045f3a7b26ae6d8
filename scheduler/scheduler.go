package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ledgerops/go-unstake-scheduler/domain"
	"github.com/ledgerops/go-unstake-scheduler/metrics"
	"github.com/pkg/errors"
)

// LedgerClient supplies the per-tick snapshot of the chain state.
type LedgerClient interface {
	GetChainStatus(ctx context.Context) (*domain.ChainStatus, error)
}

// StakingClient covers the staking-side collaborators: eligibility,
// per-epoch exposure verification with its cost estimate, and the final
// unstake call with its fixed cost.
type StakingClient interface {
	IsFullyCommitted(ctx context.Context, account string) (bool, error)
	VerifyEpoch(ctx context.Context, account string, epoch uint32) (bool, error)
	VerificationCost(ctx context.Context, epoch uint32) (domain.ComputeUnits, error)
	FinalizeUnstake(ctx context.Context, account string, poolID *uint32) error
	FinalizeCost() domain.ComputeUnits
}

type Authorizer interface {
	IsManagerOf(ctx context.Context, caller, account string) (bool, error)
	HasControlCapability(ctx context.Context, caller string) (bool, error)
}

type OutcomePublisher interface {
	PublishChecked(ctx context.Context, event domain.CheckedEvent) error
	PublishUnstaked(ctx context.Context, event domain.UnstakedEvent) error
}

// StateStore persists the pending queue, the in-flight request and the
// verification rate so that processing survives restarts.
type StateStore interface {
	SetQueued(account string, poolID *uint32) error
	RemoveQueued(account string) error
	GetQueue() ([]domain.QueueEntry, error)
	SetHead(request *domain.UnstakeRequest) error
	ClearHead() error
	GetHead() (*domain.UnstakeRequest, error)
	SetEpochsPerTick(rate uint32) error
	GetEpochsPerTick() (uint32, error)
}

type Config struct {
	PromotionCost        domain.ComputeUnits
	DefaultEpochsPerTick uint32
	TickInterval         time.Duration
	ComputePerTick       domain.ComputeUnits
}

// Scheduler owns the pending queue and the single active unstake request.
// All mutation happens either through the admission operations or inside
// OnIdle; a mutex serializes the two, ticks themselves never overlap.
type Scheduler struct {
	mu    sync.Mutex
	queue map[string]*uint32
	head  *domain.UnstakeRequest
	rate  uint32

	stateStore       StateStore
	ledgerClient     LedgerClient
	stakingClient    StakingClient
	authorizer       Authorizer
	publisher        OutcomePublisher
	schedulerMetrics *metrics.Metrics
	config           Config
}

// NewScheduler restores the queue, head and rate from the state store, so a
// restarted service resumes exactly where it stopped.
func NewScheduler(store StateStore, ledger LedgerClient, staking StakingClient,
	authorizer Authorizer, publisher OutcomePublisher, m *metrics.Metrics, config Config) (*Scheduler, error) {

	entries, err := store.GetQueue()
	if err != nil {
		return nil, errors.Wrap(err, "loading queue")
	}
	queue := make(map[string]*uint32, len(entries))
	for _, entry := range entries {
		queue[entry.Account] = entry.PoolID
	}

	head, err := store.GetHead()
	if err != nil && !errors.Is(err, domain.ErrStoreEntityNotFound) {
		return nil, errors.Wrap(err, "loading head")
	}

	rate, err := store.GetEpochsPerTick()
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		rate = config.DefaultEpochsPerTick
		if err := store.SetEpochsPerTick(rate); err != nil {
			return nil, errors.Wrap(err, "initializing epochs per tick")
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "loading epochs per tick")
	}

	scheduler := Scheduler{
		queue:            queue,
		head:             head,
		rate:             rate,
		stateStore:       store,
		ledgerClient:     ledger,
		stakingClient:    staking,
		authorizer:       authorizer,
		publisher:        publisher,
		schedulerMetrics: m,
		config:           config,
	}
	m.SetQueueSize(len(queue))
	return &scheduler, nil
}

// Register queues an account for unstake processing. The caller must manage
// the account and the account must not have a withdrawal in progress.
func (s *Scheduler) Register(ctx context.Context, caller, account string, poolID *uint32) error {
	authorized, err := s.authorizer.IsManagerOf(ctx, caller, account)
	if err != nil {
		return errors.Wrap(err, "checking manager")
	}
	if !authorized {
		return domain.ErrNotAuthorized
	}

	committed, err := s.stakingClient.IsFullyCommitted(ctx, account)
	if err != nil {
		return errors.Wrap(err, "checking commitment")
	}
	if !committed {
		return domain.ErrNotFullyCommitted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head != nil && s.head.Account == account {
		return domain.ErrAlreadyActive
	}
	if _, queued := s.queue[account]; queued {
		return domain.ErrAlreadyQueued
	}
	if err := s.stateStore.SetQueued(account, poolID); err != nil {
		return errors.Wrapf(err, "storing queued account [%s]", account)
	}
	s.queue[account] = poolID
	s.schedulerMetrics.SetQueueSize(len(s.queue))
	log.Printf("[INFO] Queued account [%s] for unstaking.", account)
	return nil
}

// Deregister removes a queued account. It cannot cancel the request once
// the account is in active processing.
func (s *Scheduler) Deregister(ctx context.Context, caller, account string) error {
	authorized, err := s.authorizer.IsManagerOf(ctx, caller, account)
	if err != nil {
		return errors.Wrap(err, "checking manager")
	}
	if !authorized {
		return domain.ErrNotAuthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head != nil && s.head.Account == account {
		return domain.ErrAlreadyActive
	}
	if _, queued := s.queue[account]; !queued {
		return domain.ErrNotQueued
	}
	if err := s.stateStore.RemoveQueued(account); err != nil {
		return errors.Wrapf(err, "removing queued account [%s]", account)
	}
	delete(s.queue, account)
	s.schedulerMetrics.SetQueueSize(len(s.queue))
	log.Printf("[INFO] Removed account [%s] from the unstake queue.", account)
	return nil
}

// SetEpochsPerTick overwrites the verification rate. Zero disables
// processing entirely. Requires the control capability.
func (s *Scheduler) SetEpochsPerTick(ctx context.Context, caller string, rate uint32) error {
	control, err := s.authorizer.HasControlCapability(ctx, caller)
	if err != nil {
		return errors.Wrap(err, "checking control capability")
	}
	if !control {
		return domain.ErrNotAuthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stateStore.SetEpochsPerTick(rate); err != nil {
		return errors.Wrap(err, "storing epochs per tick")
	}
	s.rate = rate
	log.Printf("[INFO] Epochs per tick set to [%d].", rate)
	return nil
}

// Queue returns the pending entries sorted by account.
func (s *Scheduler) Queue() []domain.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]domain.QueueEntry, 0, len(s.queue))
	for account, poolID := range s.queue {
		entries = append(entries, domain.QueueEntry{Account: account, PoolID: poolID})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Account < entries[j].Account })
	return entries
}

// Head returns a copy of the in-flight request, or nil when idle.
func (s *Scheduler) Head() *domain.UnstakeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return nil
	}
	head := domain.UnstakeRequest{
		Account: s.head.Account,
		Checked: append([]uint32(nil), s.head.Checked...),
		PoolID:  s.head.PoolID,
	}
	return &head
}

func (s *Scheduler) EpochsPerTick() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Run drives OnIdle once per tick interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			consumed, err := s.OnIdle(ctx, s.config.ComputePerTick)
			if err != nil {
				log.Printf("[WARN] Tick failed after consuming [%d] compute: %v", consumed, err)
			}
		}
	}
}
