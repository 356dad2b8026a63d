package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
)

// Behavior scripts what the mock gateway does for a given transaction
// external key. The zero value means "process normally".
type Behavior struct {
	Status       plugin.TransactionInfoStatus // defaults to PROCESSED
	ErrorCode    string
	ErrorMessage string
	Err          error         // adapter fault instead of a structured response
	Sleep        time.Duration // simulate a slow gateway
	Panic        bool
}

// Mock is a scriptable in-process gateway used by the demo wiring and the
// test suite. Behaviors are keyed by transaction external key so concurrent
// runs stay independent.
type Mock struct {
	name string

	mu        sync.Mutex
	behaviors map[string]Behavior
	calls     map[string]int
}

func NewMock(name string) *Mock {
	return &Mock{
		name:      name,
		behaviors: make(map[string]Behavior),
		calls:     make(map[string]int),
	}
}

func (m *Mock) Name() string { return m.name }

// Script installs a behavior for the given transaction external key.
func (m *Mock) Script(transactionExternalKey string, b Behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[transactionExternalKey] = b
}

// Calls reports how many SPI calls were made for the key.
func (m *Mock) Calls(transactionExternalKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[transactionExternalKey]
}

func (m *Mock) Authorize(ctx context.Context, in plugin.CallInput) (*plugin.TransactionInfo, error) {
	return m.process(ctx, in)
}

func (m *Mock) Capture(ctx context.Context, in plugin.CallInput) (*plugin.TransactionInfo, error) {
	return m.process(ctx, in)
}

func (m *Mock) Purchase(ctx context.Context, in plugin.CallInput) (*plugin.TransactionInfo, error) {
	return m.process(ctx, in)
}

func (m *Mock) Refund(ctx context.Context, in plugin.CallInput) (*plugin.TransactionInfo, error) {
	return m.process(ctx, in)
}

func (m *Mock) Void(ctx context.Context, in plugin.CallInput) (*plugin.TransactionInfo, error) {
	return m.process(ctx, in)
}

func (m *Mock) Credit(ctx context.Context, in plugin.CallInput) (*plugin.TransactionInfo, error) {
	return m.process(ctx, in)
}

func (m *Mock) process(ctx context.Context, in plugin.CallInput) (*plugin.TransactionInfo, error) {
	m.mu.Lock()
	m.calls[in.TransactionExternalKey]++
	b := m.behaviors[in.TransactionExternalKey]
	m.mu.Unlock()

	if b.Sleep > 0 {
		select {
		case <-time.After(b.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.Panic {
		panic(fmt.Sprintf("mock gateway %s: scripted panic for %s", m.name, in.TransactionExternalKey))
	}
	if b.Err != nil {
		return nil, b.Err
	}

	status := b.Status
	if status == "" {
		status = plugin.InfoProcessed
	}

	info := &plugin.TransactionInfo{
		Status:           status,
		Amount:           in.Amount,
		Currency:         in.Currency,
		GatewayErrorCode: b.ErrorCode,
		GatewayError:     b.ErrorMessage,
	}
	if status == plugin.InfoProcessed || status == plugin.InfoPending {
		info.ProcessedAmount = in.Amount
		info.ProcessedCurrency = in.Currency
	}
	return info, nil
}
