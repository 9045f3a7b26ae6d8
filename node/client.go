package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ledgerops/go-unstake-scheduler/domain"
)

// Client talks to the staking node's HTTP API. It implements every external
// collaborator the scheduler consumes: chain status, exposure verification
// with cost estimation, unstake finalization, eligibility and authorization.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	finalizeCost domain.ComputeUnits

	mu              sync.Mutex
	validatorCounts map[uint32]uint32 // per-epoch, sets are immutable once an epoch is sealed
}

type statusResponse struct {
	CurrentEpoch       uint32 `json:"currentEpoch"`
	WindowSize         uint32 `json:"windowSize"`
	ElectionInProgress bool   `json:"electionInProgress"`
}

type epochResponse struct {
	Epoch          uint32 `json:"epoch"`
	ValidatorCount uint32 `json:"validatorCount"`
}

type exposureResponse struct {
	Exposed bool `json:"exposed"`
}

type accountResponse struct {
	FullyCommitted bool `json:"fullyCommitted"`
}

type managerResponse struct {
	Authorized bool `json:"authorized"`
}

type capabilityResponse struct {
	Control bool `json:"control"`
}

type unstakeRequest struct {
	Account string  `json:"account"`
	PoolID  *uint32 `json:"poolId,omitempty"`
}

type rejectionResponse struct {
	Reason string `json:"reason"`
}

func NewClient(baseURL string, requestTimeout time.Duration, finalizeCost domain.ComputeUnits) *Client {
	return &Client{
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: requestTimeout},
		finalizeCost:    finalizeCost,
		validatorCounts: make(map[uint32]uint32),
	}
}

func (c *Client) GetChainStatus(ctx context.Context) (*domain.ChainStatus, error) {
	var response statusResponse
	if err := c.getJSON(ctx, "/v1/status", &response); err != nil {
		return nil, fmt.Errorf("getting chain status: %w", err)
	}
	return &domain.ChainStatus{
		CurrentEpoch:       response.CurrentEpoch,
		WindowSize:         response.WindowSize,
		ElectionInProgress: response.ElectionInProgress,
	}, nil
}

// VerificationCost estimates the compute needed to verify one epoch. The
// effort is proportional to the epoch's validator set size, which is cached
// because sealed epochs never change.
func (c *Client) VerificationCost(ctx context.Context, epoch uint32) (domain.ComputeUnits, error) {
	c.mu.Lock()
	count, cached := c.validatorCounts[epoch]
	c.mu.Unlock()
	if cached {
		return domain.ComputeUnits(count), nil
	}

	var response epochResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/epochs/%d", epoch), &response); err != nil {
		return 0, fmt.Errorf("getting epoch [%d]: %w", epoch, err)
	}

	c.mu.Lock()
	c.validatorCounts[epoch] = response.ValidatorCount
	c.mu.Unlock()
	return domain.ComputeUnits(response.ValidatorCount), nil
}

// VerifyEpoch reports whether the account was clean (not exposed as a
// validator or nominator) in the given epoch.
func (c *Client) VerifyEpoch(ctx context.Context, account string, epoch uint32) (bool, error) {
	path := fmt.Sprintf("/v1/accounts/%s/exposure?epoch=%d", url.PathEscape(account), epoch)
	var response exposureResponse
	if err := c.getJSON(ctx, path, &response); err != nil {
		return false, fmt.Errorf("getting exposure of account [%s] in epoch [%d]: %w", account, epoch, err)
	}
	return !response.Exposed, nil
}

func (c *Client) IsFullyCommitted(ctx context.Context, account string) (bool, error) {
	var response accountResponse
	if err := c.getJSON(ctx, "/v1/accounts/"+url.PathEscape(account), &response); err != nil {
		return false, fmt.Errorf("getting account [%s]: %w", account, err)
	}
	return response.FullyCommitted, nil
}

func (c *Client) IsManagerOf(ctx context.Context, caller, account string) (bool, error) {
	path := fmt.Sprintf("/v1/accounts/%s/manager?caller=%s", url.PathEscape(account), url.QueryEscape(caller))
	var response managerResponse
	if err := c.getJSON(ctx, path, &response); err != nil {
		return false, fmt.Errorf("getting manager of account [%s]: %w", account, err)
	}
	return response.Authorized, nil
}

func (c *Client) HasControlCapability(ctx context.Context, caller string) (bool, error) {
	var response capabilityResponse
	if err := c.getJSON(ctx, "/v1/capabilities/"+url.PathEscape(caller), &response); err != nil {
		return false, fmt.Errorf("getting capabilities of caller [%s]: %w", caller, err)
	}
	return response.Control, nil
}

// FinalizeUnstake performs the unstake-and-join-pool transition. A 422
// answer is decoded into a domain.UnstakeRejected so the scheduler can
// record it as an outcome instead of retrying.
func (c *Client) FinalizeUnstake(ctx context.Context, account string, poolID *uint32) error {
	payload, err := json.Marshal(unstakeRequest{Account: account, PoolID: poolID})
	if err != nil {
		return fmt.Errorf("marshalling unstake request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/unstake", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating unstake request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("calling unstake api: %w", err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		var rejection rejectionResponse
		if err := json.NewDecoder(response.Body).Decode(&rejection); err != nil {
			return fmt.Errorf("decoding rejection response: %w", err)
		}
		return &domain.UnstakeRejected{Reason: rejection.Reason}
	default:
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("unstake api returned status [%d]: %s", response.StatusCode, string(body))
	}
}

func (c *Client) FinalizeCost() domain.ComputeUnits {
	return c.finalizeCost
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("calling node api: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("node api returned status [%d]: %s", response.StatusCode, string(body))
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
