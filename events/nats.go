/*
Package events publishes post-commit purchase notifications.

PURPOSE:
  Downstream consumers (payout batching, analytics) subscribe to purchase
  events instead of polling the database. Publishing happens after the
  purchase transaction commits and is best-effort: a lost event never
  fails or rolls back a sale.

SUBJECT:
  presale.purchases.created

SEE ALSO:
  - presale/ledger.go: Publisher contract and the single publish call site
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nukki/presale-engine/presale"
)

// SubjectPurchaseCreated is the NATS subject for committed purchases.
const SubjectPurchaseCreated = "presale.purchases.created"

// PurchaseCreated is the wire payload for a committed purchase.
type PurchaseCreated struct {
	PurchaseID  string    `json:"purchase_id"`
	Buyer       string    `json:"buyer"`
	PackID      string    `json:"pack_id"`
	PricePaid   int64     `json:"price_paid"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Remaining   int       `json:"remaining"`
	CreatedAt   time.Time `json:"created_at"`
}

// NATSPublisher implements presale.Publisher over a NATS connection.
type NATSPublisher struct {
	conn *nats.Conn
}

// Connect dials the NATS server and returns a publisher.
func Connect(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: nc}, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: nc}
}

// PurchaseCreated publishes the committed purchase.
func (p *NATSPublisher) PurchaseCreated(_ context.Context, purchase presale.Purchase, remaining int) error {
	payload, err := json.Marshal(PurchaseCreated{
		PurchaseID:  string(purchase.ID),
		Buyer:       purchase.Buyer,
		PackID:      string(purchase.PackID),
		PricePaid:   purchase.PricePaid,
		ExternalRef: purchase.ExternalRef,
		Remaining:   remaining,
		CreatedAt:   purchase.CreatedAt,
	})
	if err != nil {
		return err
	}
	return p.conn.Publish(SubjectPurchaseCreated, payload)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}
