package postgres

import (
	"context"

	"kardex/internal/domain/ledger"
)

// LedgerEventPublisher adapts the transactional outbox to the ledger's
// Publisher contract. Events land in sys_outbox inside the same
// transaction as the ledger write that caused them.
type LedgerEventPublisher struct {
	outbox *OutboxPublisher
}

// NewLedgerEventPublisher creates the adapter.
func NewLedgerEventPublisher(outbox *OutboxPublisher) *LedgerEventPublisher {
	return &LedgerEventPublisher{outbox: outbox}
}

// Publish implements ledger.Publisher.
func (p *LedgerEventPublisher) Publish(ctx context.Context, event ledger.Event) error {
	return p.outbox.Publish(ctx, DomainEvent{
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.Type,
		Payload:       event.Payload,
	})
}

var _ ledger.Publisher = (*LedgerEventPublisher)(nil)
