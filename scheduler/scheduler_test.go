package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ledgerops/go-unstake-scheduler/domain"
	"github.com/ledgerops/go-unstake-scheduler/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var m = metrics.NewMetrics("test")

type FakeLedger struct {
	status domain.ChainStatus
	err    error
}

func (f *FakeLedger) GetChainStatus(_ context.Context) (*domain.ChainStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	return &status, nil
}

type FakeStakingClient struct {
	committed    map[string]bool
	exposed      map[string][]uint32
	verifyCost   domain.ComputeUnits
	finalizeCost domain.ComputeUnits
	verifyErr    error
	finalizeErr  error
	verifyCalls  []string
	finalized    []string
}

func (f *FakeStakingClient) IsFullyCommitted(_ context.Context, account string) (bool, error) {
	return f.committed[account], nil
}

func (f *FakeStakingClient) VerifyEpoch(_ context.Context, account string, epoch uint32) (bool, error) {
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	f.verifyCalls = append(f.verifyCalls, fmt.Sprintf("%s:%d", account, epoch))
	for _, exposedEpoch := range f.exposed[account] {
		if exposedEpoch == epoch {
			return false, nil
		}
	}
	return true, nil
}

func (f *FakeStakingClient) VerificationCost(_ context.Context, _ uint32) (domain.ComputeUnits, error) {
	return f.verifyCost, nil
}

func (f *FakeStakingClient) FinalizeUnstake(_ context.Context, account string, _ *uint32) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	f.finalized = append(f.finalized, account)
	return nil
}

func (f *FakeStakingClient) FinalizeCost() domain.ComputeUnits {
	return f.finalizeCost
}

type FakeAuthorizer struct {
	managers map[string]string // caller -> managed account
	control  map[string]bool
}

func (f *FakeAuthorizer) IsManagerOf(_ context.Context, caller, account string) (bool, error) {
	return f.managers[caller] == account, nil
}

func (f *FakeAuthorizer) HasControlCapability(_ context.Context, caller string) (bool, error) {
	return f.control[caller], nil
}

type FakePublisher struct {
	checked  []domain.CheckedEvent
	unstaked []domain.UnstakedEvent
}

func (f *FakePublisher) PublishChecked(_ context.Context, event domain.CheckedEvent) error {
	f.checked = append(f.checked, event)
	return nil
}

func (f *FakePublisher) PublishUnstaked(_ context.Context, event domain.UnstakedEvent) error {
	f.unstaked = append(f.unstaked, event)
	return nil
}

// FakeStore copies values in and out so persisted state does not alias the
// scheduler's in-memory state, like the real store.
type FakeStore struct {
	queue map[string]*uint32
	head  *domain.UnstakeRequest
	rate  *uint32
}

func NewFakeStore() *FakeStore {
	return &FakeStore{queue: make(map[string]*uint32)}
}

func (f *FakeStore) SetQueued(account string, poolID *uint32) error {
	f.queue[account] = poolID
	return nil
}

func (f *FakeStore) RemoveQueued(account string) error {
	delete(f.queue, account)
	return nil
}

func (f *FakeStore) GetQueue() ([]domain.QueueEntry, error) {
	var entries []domain.QueueEntry
	for account, poolID := range f.queue {
		entries = append(entries, domain.QueueEntry{Account: account, PoolID: poolID})
	}
	return entries, nil
}

func (f *FakeStore) SetHead(request *domain.UnstakeRequest) error {
	f.head = copyRequest(request)
	return nil
}

func (f *FakeStore) ClearHead() error {
	f.head = nil
	return nil
}

func (f *FakeStore) GetHead() (*domain.UnstakeRequest, error) {
	if f.head == nil {
		return nil, domain.ErrStoreEntityNotFound
	}
	return copyRequest(f.head), nil
}

func (f *FakeStore) SetEpochsPerTick(rate uint32) error {
	f.rate = &rate
	return nil
}

func (f *FakeStore) GetEpochsPerTick() (uint32, error) {
	if f.rate == nil {
		return 0, domain.ErrStoreEntityNotFound
	}
	return *f.rate, nil
}

func copyRequest(request *domain.UnstakeRequest) *domain.UnstakeRequest {
	return &domain.UnstakeRequest{
		Account: request.Account,
		Checked: append([]uint32(nil), request.Checked...),
		PoolID:  request.PoolID,
	}
}

type fixture struct {
	store     *FakeStore
	ledger    *FakeLedger
	staking   *FakeStakingClient
	auth      *FakeAuthorizer
	publisher *FakePublisher
	scheduler *Scheduler
}

func newFixture(t *testing.T, config Config) *fixture {
	f := fixture{
		store: NewFakeStore(),
		ledger: &FakeLedger{
			status: domain.ChainStatus{CurrentEpoch: 3, WindowSize: 4},
		},
		staking: &FakeStakingClient{
			committed:    map[string]bool{"stash-1": true, "stash-2": true},
			verifyCost:   10,
			finalizeCost: 50,
		},
		auth: &FakeAuthorizer{
			managers: map[string]string{"ctrl-1": "stash-1", "ctrl-2": "stash-2"},
			control:  map[string]bool{"admin": true},
		},
		publisher: &FakePublisher{},
	}
	if config.PromotionCost == 0 {
		config.PromotionCost = 5
	}
	if config.DefaultEpochsPerTick == 0 {
		config.DefaultEpochsPerTick = 1
	}
	if config.TickInterval == 0 {
		config.TickInterval = time.Second
	}
	var err error
	f.scheduler, err = NewScheduler(f.store, f.ledger, f.staking, f.auth, f.publisher, m, config)
	require.NoError(t, err)
	return &f
}

func poolID(id uint32) *uint32 {
	return &id
}

func TestScheduler_RegisterWorks(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", poolID(1))
	require.NoError(t, err)

	queue := f.scheduler.Queue()
	require.Len(t, queue, 1)
	assert.Equal(t, "stash-1", queue[0].Account)
	assert.Equal(t, uint32(1), *queue[0].PoolID)
	assert.Contains(t, f.store.queue, "stash-1")
}

func TestScheduler_RegisterNotAuthorized(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.scheduler.Register(context.Background(), "ctrl-2", "stash-1", nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Empty(t, f.scheduler.Queue())
}

func TestScheduler_RegisterNotFullyCommitted(t *testing.T) {
	f := newFixture(t, Config{})
	f.staking.committed["stash-1"] = false

	err := f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", nil)
	assert.ErrorIs(t, err, domain.ErrNotFullyCommitted)
	assert.Empty(t, f.scheduler.Queue())
}

func TestScheduler_RegisterAlreadyQueued(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", nil))
	err := f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyQueued)
}

func TestScheduler_RegisterAlreadyActive(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", nil))
	_, err := f.scheduler.OnIdle(context.Background(), 1000)
	require.NoError(t, err)
	require.NotNil(t, f.scheduler.Head())

	err = f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)
}

func TestScheduler_DeregisterWorks(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", nil))
	err := f.scheduler.Deregister(context.Background(), "ctrl-1", "stash-1")
	require.NoError(t, err)
	assert.Empty(t, f.scheduler.Queue())
	assert.NotContains(t, f.store.queue, "stash-1")
}

func TestScheduler_DeregisterNotAuthorized(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", nil))
	err := f.scheduler.Deregister(context.Background(), "ctrl-2", "stash-1")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Len(t, f.scheduler.Queue(), 1)
}

func TestScheduler_DeregisterNotQueued(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.scheduler.Deregister(context.Background(), "ctrl-1", "stash-1")
	assert.ErrorIs(t, err, domain.ErrNotQueued)
}

func TestScheduler_DeregisterActiveAccountFails(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.scheduler.Register(context.Background(), "ctrl-1", "stash-1", nil))
	require.NoError(t, f.scheduler.Register(context.Background(), "ctrl-2", "stash-2", nil))
	_, err := f.scheduler.OnIdle(context.Background(), 15) // promote + one verification
	require.NoError(t, err)
	require.NotNil(t, f.scheduler.Head())
	require.Equal(t, "stash-1", f.scheduler.Head().Account)

	// cannot cancel mid-flight
	err = f.scheduler.Deregister(context.Background(), "ctrl-1", "stash-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)
	assert.Equal(t, "stash-1", f.scheduler.Head().Account)

	// a merely queued account can still be removed
	err = f.scheduler.Deregister(context.Background(), "ctrl-2", "stash-2")
	require.NoError(t, err)
	assert.Empty(t, f.scheduler.Queue())
}

func TestScheduler_SetEpochsPerTickWorks(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.scheduler.SetEpochsPerTick(context.Background(), "admin", 7)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), f.scheduler.EpochsPerTick())
	rate, err := f.store.GetEpochsPerTick()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), rate)
}

func TestScheduler_SetEpochsPerTickRequiresControlCapability(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.scheduler.SetEpochsPerTick(context.Background(), "ctrl-1", 7)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Equal(t, uint32(1), f.scheduler.EpochsPerTick())
}

func TestScheduler_RestoresStateFromStore(t *testing.T) {
	store := NewFakeStore()
	require.NoError(t, store.SetQueued("stash-2", poolID(4)))
	require.NoError(t, store.SetHead(&domain.UnstakeRequest{
		Account: "stash-1",
		Checked: []uint32{3, 2},
		PoolID:  poolID(1),
	}))
	require.NoError(t, store.SetEpochsPerTick(2))

	restored, err := NewScheduler(store, &FakeLedger{}, &FakeStakingClient{}, &FakeAuthorizer{},
		&FakePublisher{}, m, Config{DefaultEpochsPerTick: 1, TickInterval: time.Second})
	require.NoError(t, err)

	head := restored.Head()
	require.NotNil(t, head)
	assert.Equal(t, "stash-1", head.Account)
	assert.Equal(t, []uint32{3, 2}, head.Checked)
	assert.Equal(t, uint32(2), restored.EpochsPerTick())

	queue := restored.Queue()
	require.Len(t, queue, 1)
	assert.Equal(t, "stash-2", queue[0].Account)
}

func TestScheduler_InitializesDefaultRate(t *testing.T) {
	f := newFixture(t, Config{DefaultEpochsPerTick: 3})

	assert.Equal(t, uint32(3), f.scheduler.EpochsPerTick())
	rate, err := f.store.GetEpochsPerTick()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rate)
}
