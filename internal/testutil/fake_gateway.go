package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/shopspring/decimal"
)

// Gateway operation names used to script failures and count calls
const (
	OpCreateSubscription       = "create_subscription"
	OpGetSubscription          = "get_subscription"
	OpUpdateSubscriptionItem   = "update_subscription_item"
	OpSetCancelAtPeriodEnd     = "set_cancel_at_period_end"
	OpCancelSubscription       = "cancel_subscription"
	OpCreatePrice              = "create_price"
	OpDeactivatePrice          = "deactivate_price"
	OpPreviewInvoice           = "preview_invoice"
	OpInvoicePendingProrations = "invoice_pending_prorations"
	OpPayInvoice               = "pay_invoice"
	OpScheduleChange           = "schedule_change"
	OpReleaseSchedule          = "release_schedule"
	OpRefund                   = "refund"
)

// prorationShare is the unused fraction of the period the fake prorates over
var prorationShare = decimal.NewFromFloat(0.5)

// FakeGateway is a scripted, in-memory provider.Gateway
type FakeGateway struct {
	mu sync.Mutex

	now func() time.Time
	seq int

	subscriptions map[string]*provider.Subscription
	prices        map[string]*provider.Price
	active        map[string]bool
	invoices      map[string]*provider.Invoice
	schedules     map[string]*provider.Schedule
	// pending proration per subscription, billed by InvoicePendingProrations
	pending map[string]decimal.Decimal

	scripted map[string][]error
	calls    map[string]int
	hooks    map[string]func(ctx context.Context)

	// PreviewAmount overrides the computed proration when set
	PreviewAmount *decimal.Decimal
}

var _ provider.Gateway = (*FakeGateway)(nil)

func NewFakeGateway(now func() time.Time) *FakeGateway {
	return &FakeGateway{
		now:           now,
		subscriptions: make(map[string]*provider.Subscription),
		prices:        make(map[string]*provider.Price),
		active:        make(map[string]bool),
		invoices:      make(map[string]*provider.Invoice),
		schedules:     make(map[string]*provider.Schedule),
		pending:       make(map[string]decimal.Decimal),
		scripted:      make(map[string][]error),
		calls:         make(map[string]int),
		hooks:         make(map[string]func(ctx context.Context)),
	}
}

// Script queues results for the next calls of op; a nil entry lets the call succeed
func (g *FakeGateway) Script(op string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripted[op] = append(g.scripted[op], errs...)
}

// OnCall runs hook at the start of every call of op, outside the gateway lock
func (g *FakeGateway) OnCall(op string, hook func(ctx context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks[op] = hook
}

func (g *FakeGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// ActivePrices counts the prices that were never deactivated
func (g *FakeGateway) ActivePrices() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, ok := range g.active {
		if ok {
			n++
		}
	}
	return n
}

func (g *FakeGateway) IsPriceActive(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[id]
}

func (g *FakeGateway) Subscription(id string) *provider.Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sub, ok := g.subscriptions[id]; ok {
		c := *sub
		return &c
	}
	return nil
}

func (g *FakeGateway) Schedules() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.schedules)
}

// SeedPrice registers a price as if it had been created at the provider
func (g *FakeGateway) SeedPrice(price provider.Price) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := price
	g.prices[price.ID] = &c
	g.active[price.ID] = true
}

// SeedSubscription registers a provider subscription
func (g *FakeGateway) SeedSubscription(sub provider.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := sub
	g.subscriptions[sub.ID] = &c
}

// SeedInvoice registers an open invoice for webhook driven payment retries
func (g *FakeGateway) SeedInvoice(inv provider.Invoice) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := inv
	g.invoices[inv.ID] = &c
}

// begin counts the call, runs the hook and pops the next scripted error
func (g *FakeGateway) begin(ctx context.Context, op string) error {
	g.mu.Lock()
	g.calls[op]++
	hook := g.hooks[op]
	var err error
	if queue := g.scripted[op]; len(queue) > 0 {
		err = queue[0]
		g.scripted[op] = queue[1:]
	}
	g.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (g *FakeGateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func periodEnd(start time.Time, interval types.BillingInterval) time.Time {
	if interval == types.BillingIntervalYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

func missing(kind, id string) error {
	return &provider.Error{
		Type:       provider.TypeInvalidRequest,
		Code:       provider.CodeResourceMissing,
		Param:      kind,
		HTTPStatus: 404,
		Message:    fmt.Sprintf("No such %s: '%s'", kind, id),
	}
}

func (g *FakeGateway) CreateSubscription(ctx context.Context, input provider.CreateSubscriptionInput) (*provider.Subscription, error) {
	if err := g.begin(ctx, OpCreateSubscription); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[input.PriceID]
	if !ok {
		return nil, missing("price", input.PriceID)
	}
	start := g.now()
	sub := &provider.Subscription{
		ID:                 g.nextID("sub"),
		CustomerID:         input.CustomerID,
		Status:             types.SubscriptionStatusActive,
		ItemID:             g.nextID("si"),
		PriceID:            price.ID,
		TierID:             price.TierID,
		Interval:           price.Interval,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   periodEnd(start, price.Interval),
	}
	g.subscriptions[sub.ID] = sub
	c := *sub
	return &c, nil
}

func (g *FakeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	if err := g.begin(ctx, OpGetSubscription); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[subscriptionID]
	if !ok {
		return nil, missing("subscription", subscriptionID)
	}
	c := *sub
	return &c, nil
}

func (g *FakeGateway) UpdateSubscriptionItem(ctx context.Context, input provider.UpdateItemInput) (*provider.Subscription, error) {
	if err := g.begin(ctx, OpUpdateSubscriptionItem); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	sub, ok := g.subscriptions[input.SubscriptionID]
	if !ok {
		return nil, missing("subscription", input.SubscriptionID)
	}
	price, ok := g.prices[input.PriceID]
	if !ok {
		return nil, missing("price", input.PriceID)
	}
	if input.ProrationBehavior != types.ProrationBehaviorNone {
		if old, ok := g.prices[sub.PriceID]; ok {
			g.pending[sub.ID] = g.pending[sub.ID].Add(price.Amount.Sub(old.Amount).Mul(prorationShare))
		}
	}
	sub.PriceID = price.ID
	sub.TierID = price.TierID
	if price.Interval != sub.Interval {
		sub.Interval = price.Interval
		sub.CurrentPeriodStart = g.now()
		sub.CurrentPeriodEnd = periodEnd(sub.CurrentPeriodStart, price.Interval)
	}
	c := *sub
	return &c, nil
}

func (g *FakeGateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*provider.Subscription, error) {
	if err := g.begin(ctx, OpSetCancelAtPeriodEnd); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[subscriptionID]
	if !ok {
		return nil, missing("subscription", subscriptionID)
	}
	sub.CancelAtPeriodEnd = cancel
	c := *sub
	return &c, nil
}

func (g *FakeGateway) CancelSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	if err := g.begin(ctx, OpCancelSubscription); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[subscriptionID]
	if !ok {
		return nil, missing("subscription", subscriptionID)
	}
	now := g.now()
	sub.Status = types.SubscriptionStatusCanceled
	sub.CanceledAt = &now
	sub.CancelAtPeriodEnd = false
	c := *sub
	return &c, nil
}

func (g *FakeGateway) CreatePrice(ctx context.Context, input provider.CreatePriceInput) (*provider.Price, error) {
	if err := g.begin(ctx, OpCreatePrice); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	price := &provider.Price{
		ID:       g.nextID("price"),
		TierID:   input.TierID,
		Interval: input.Interval,
		Amount:   input.Amount,
		Currency: input.Currency,
	}
	g.prices[price.ID] = price
	g.active[price.ID] = true
	c := *price
	return &c, nil
}

func (g *FakeGateway) DeactivatePrice(ctx context.Context, priceID string) error {
	if err := g.begin(ctx, OpDeactivatePrice); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.prices[priceID]; !ok {
		return missing("price", priceID)
	}
	g.active[priceID] = false
	return nil
}

func (g *FakeGateway) PreviewInvoice(ctx context.Context, input provider.PreviewInput) (*provider.InvoicePreview, error) {
	if err := g.begin(ctx, OpPreviewInvoice); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	sub, ok := g.subscriptions[input.SubscriptionID]
	if !ok {
		return nil, missing("subscription", input.SubscriptionID)
	}
	price, ok := g.prices[input.PriceID]
	if !ok {
		return nil, missing("price", input.PriceID)
	}
	amount := decimal.Zero
	if g.PreviewAmount != nil {
		amount = *g.PreviewAmount
	} else if old, ok := g.prices[sub.PriceID]; ok {
		amount = price.Amount.Sub(old.Amount).Mul(prorationShare)
	}
	return &provider.InvoicePreview{
		ProrationAmount: amount,
		Currency:        price.Currency,
		NextBillingDate: sub.CurrentPeriodEnd,
	}, nil
}

func (g *FakeGateway) InvoicePendingProrations(ctx context.Context, input provider.InvoiceInput) (*provider.Invoice, error) {
	if err := g.begin(ctx, OpInvoicePendingProrations); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	amount := g.pending[input.SubscriptionID]
	delete(g.pending, input.SubscriptionID)
	inv := &provider.Invoice{
		ID:             g.nextID("in"),
		CustomerID:     input.CustomerID,
		SubscriptionID: input.SubscriptionID,
		AmountDue:      amount,
		Currency:       "usd",
		Status:         "open",
		Description:    input.Description,
	}
	g.invoices[inv.ID] = inv
	c := *inv
	return &c, nil
}

func (g *FakeGateway) PayInvoice(ctx context.Context, invoiceID string) (*provider.Invoice, error) {
	if err := g.begin(ctx, OpPayInvoice); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[invoiceID]
	if !ok {
		return nil, missing("invoice", invoiceID)
	}
	inv.Status = "paid"
	inv.Paid = true
	inv.AmountPaid = inv.AmountDue
	c := *inv
	return &c, nil
}

func (g *FakeGateway) ScheduleChange(ctx context.Context, input provider.ScheduleInput) (*provider.Schedule, error) {
	if err := g.begin(ctx, OpScheduleChange); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[input.SubscriptionID]
	if !ok {
		return nil, missing("subscription", input.SubscriptionID)
	}
	schedule := &provider.Schedule{ID: g.nextID("sub_sched"), SubscriptionID: sub.ID}
	g.schedules[schedule.ID] = schedule
	sub.ScheduleID = schedule.ID
	c := *schedule
	return &c, nil
}

func (g *FakeGateway) ReleaseSchedule(ctx context.Context, scheduleID string) error {
	if err := g.begin(ctx, OpReleaseSchedule); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	schedule, ok := g.schedules[scheduleID]
	if !ok {
		return missing("subscription_schedule", scheduleID)
	}
	if sub, ok := g.subscriptions[schedule.SubscriptionID]; ok {
		sub.ScheduleID = ""
	}
	delete(g.schedules, scheduleID)
	return nil
}

func (g *FakeGateway) Refund(ctx context.Context, input provider.RefundInput) (*provider.Refund, error) {
	if err := g.begin(ctx, OpRefund); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if input.PaymentID == "" {
		return nil, ierr.NewError("payment id is required").
			Mark(ierr.ErrValidation)
	}
	return &provider.Refund{
		ID:        g.nextID("re"),
		PaymentID: input.PaymentID,
		Amount:    input.Amount,
		Currency:  input.Currency,
		Status:    "succeeded",
	}, nil
}
