package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ledgerops/go-unstake-scheduler/domain"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// OutcomeProducer publishes processing outcomes (epochs checked, requests
// finalized) to the configured topic, keyed by account so all outcomes of
// one account land in the same partition.
type OutcomeProducer struct {
	kcl KafkaClient
}

type outcomeRecord struct {
	Type     string                `json:"type"`
	Checked  *domain.CheckedEvent  `json:"checked,omitempty"`
	Unstaked *domain.UnstakedEvent `json:"unstaked,omitempty"`
}

func NewOutcomeProducer(client KafkaClient) *OutcomeProducer {
	return &OutcomeProducer{kcl: client}
}

func (op *OutcomeProducer) PublishChecked(ctx context.Context, event domain.CheckedEvent) error {
	record, err := createRecord(event.Account, outcomeRecord{Type: "checked", Checked: &event})
	if err != nil {
		return fmt.Errorf("creating checked record: %w", err)
	}
	err = op.kcl.ProduceSync(ctx, record).FirstErr()
	if err != nil {
		return fmt.Errorf("producing checked record: %w", err)
	}
	return nil
}

func (op *OutcomeProducer) PublishUnstaked(ctx context.Context, event domain.UnstakedEvent) error {
	record, err := createRecord(event.Account, outcomeRecord{Type: "unstaked", Unstaked: &event})
	if err != nil {
		return fmt.Errorf("creating unstaked record: %w", err)
	}
	err = op.kcl.ProduceSync(ctx, record).FirstErr()
	if err != nil {
		return fmt.Errorf("producing unstaked record: %w", err)
	}
	return nil
}

func createRecord(account string, outcome outcomeRecord) (*kgo.Record, error) {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("marshalling to json: %w", err)
	}
	return &kgo.Record{
		Key:   []byte(account),
		Value: payload,
	}, nil
}
