package pi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tec-labs/pi-payments/internal/domain"
)

const sandboxPrefix = "sandbox_"

// SandboxClient is a deterministic in-memory platform for environments
// without a live credential. Identifiers are synthesized, never random, so
// the same flow replays identically; ids with the sandbox prefix that were
// never created resolve to a completed payment, mirroring the platform's
// sandbox fallback.
type SandboxClient struct {
	mu       sync.Mutex
	payments map[string]*Payment
	seq      int

	approveCalls  int
	completeCalls int
}

func NewSandboxClient() *SandboxClient {
	return &SandboxClient{payments: make(map[string]*Payment)}
}

func (c *SandboxClient) CreatePayment(_ context.Context, req CreateRequest) (*Payment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	p := &Payment{
		Identifier: fmt.Sprintf("%s%06d", sandboxPrefix, c.seq),
		UserUID:    req.UID,
		Amount:     req.Amount,
		Memo:       req.Memo,
		Metadata:   req.Metadata,
	}
	c.payments[p.Identifier] = p
	return clone(p), nil
}

func (c *SandboxClient) GetPayment(_ context.Context, externalID string) (*Payment, error) {
	if err := domain.ValidateIdentifier(externalID); err != nil {
		return nil, fmt.Errorf("GetPayment: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.payments[externalID]; ok {
		return clone(p), nil
	}

	if strings.HasPrefix(externalID, sandboxPrefix) {
		txid := "tx_" + strings.TrimPrefix(externalID, sandboxPrefix)
		return &Payment{
			Identifier: externalID,
			Amount:     decimal.NewFromInt(1),
			Memo:       "sandbox payment",
			Status: domain.PlatformFlags{
				DeveloperApproved:   true,
				TransactionVerified: true,
				DeveloperCompleted:  true,
			},
			Transaction: &Transaction{TxID: txid, Verified: true},
		}, nil
	}

	return &Payment{Identifier: externalID}, nil
}

func (c *SandboxClient) Approve(_ context.Context, externalID string) (*Payment, error) {
	if err := domain.ValidateIdentifier(externalID); err != nil {
		return nil, fmt.Errorf("Approve: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.approveCalls++
	p := c.getOrCreateLocked(externalID)
	p.Status.DeveloperApproved = true
	return clone(p), nil
}

func (c *SandboxClient) Complete(_ context.Context, externalID, txid string) (*Payment, error) {
	if err := domain.ValidateIdentifier(externalID); err != nil {
		return nil, fmt.Errorf("Complete: %w", err)
	}
	if err := domain.ValidateIdentifier(txid); err != nil {
		return nil, fmt.Errorf("Complete: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.completeCalls++
	p := c.getOrCreateLocked(externalID)
	p.Status.DeveloperCompleted = true
	p.Status.TransactionVerified = true
	p.Transaction = &Transaction{TxID: txid, Verified: true}
	return clone(p), nil
}

// Cancel flips the user-cancelled flag. Not part of the Client interface;
// tests and the simulator use it to stage cancellation races.
func (c *SandboxClient) Cancel(externalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.getOrCreateLocked(externalID)
	p.Status.UserCancelled = true
}

// Calls reports how many approve and complete requests the sandbox served.
func (c *SandboxClient) Calls() (approves, completes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approveCalls, c.completeCalls
}

func (c *SandboxClient) getOrCreateLocked(externalID string) *Payment {
	p, ok := c.payments[externalID]
	if !ok {
		p = &Payment{Identifier: externalID, Amount: decimal.NewFromInt(1)}
		c.payments[externalID] = p
	}
	return p
}

func clone(p *Payment) *Payment {
	cp := *p
	if p.Transaction != nil {
		tx := *p.Transaction
		cp.Transaction = &tx
	}
	return &cp
}
