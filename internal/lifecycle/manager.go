// Package lifecycle drives every ledger entry through the order state
// machine: PENDING intents are validated and submitted, SUBMITTED orders are
// reconciled against the exchange by polling, and bounded retry moves FAILED
// submissions back to PENDING.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"limit-trading/internal/core"
)

// ErrFatalLocal marks errors the manager must not continue past. Only ledger
// persistence failures carry it; exchange trouble is survivable, a ledger that
// cannot record state is not.
var ErrFatalLocal = errors.New("fatal local state error")

// Executor is the slice of the exchange surface the manager calls.
type Executor interface {
	PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error)
	OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	Balances(ctx context.Context) (core.BalanceSnapshot, error)
}

// Ledger is the durable entry store the manager mutates.
type Ledger interface {
	Upsert(entry core.LedgerEntry) error
	Get(token string) (core.LedgerEntry, bool)
	ListByState(states ...core.EntryState) []core.LedgerEntry
}

// Validator approves or rejects an intent against a balance snapshot.
type Validator interface {
	Validate(intent core.OrderIntent, snapshot core.BalanceSnapshot) error
}

// IntentSource produces the order intents the bot currently wants open.
type IntentSource interface {
	Intents(ctx context.Context, now time.Time) ([]core.OrderIntent, error)
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

type Manager struct {
	Exchange Executor
	Ledger   Ledger
	Validate Validator
	Source   IntentSource
	Alerts   Alerter

	EvaluateEvery time.Duration
	PollEvery     time.Duration

	MaxSubmitAttempts int
	MaxPollFailures   int

	// DryRun suppresses real submissions; the exchange client is expected to
	// be in validate-only mode and entries never leave PENDING.
	DryRun bool

	CancelOnExit bool

	// submitMu serializes validation and submission so two intents cannot
	// both pass validation against the same free balance.
	submitMu sync.Mutex

	now func() time.Time
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now().UTC()
	}
	return time.Now().UTC()
}

// Run evaluates targets and reconciles submitted orders on independent
// tickers until the context is cancelled. Only ErrFatalLocal stops the loop
// early.
func (m *Manager) Run(ctx context.Context) error {
	evaluateEvery := m.EvaluateEvery
	if evaluateEvery <= 0 {
		evaluateEvery = time.Minute
	}
	pollEvery := m.PollEvery
	if pollEvery <= 0 {
		pollEvery = 30 * time.Second
	}

	if err := m.tick(ctx, true); err != nil {
		return err
	}

	evaluate := time.NewTicker(evaluateEvery)
	defer evaluate.Stop()
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()

	for {
		select {
		case <-evaluate.C:
			if err := m.tick(ctx, true); err != nil {
				return err
			}
		case <-poll.C:
			if err := m.tick(ctx, false); err != nil {
				return err
			}
		case <-ctx.Done():
			if m.CancelOnExit {
				m.cancelOpenOnExit()
			}
			return ctx.Err()
		}
	}
}

func (m *Manager) tick(ctx context.Context, evaluate bool) error {
	if evaluate {
		if err := m.EvaluateTargets(ctx); err != nil {
			if errors.Is(err, ErrFatalLocal) || ctx.Err() != nil {
				return err
			}
			log.Printf("level=WARN event=evaluate_failed err=%q", err.Error())
		}
		if err := m.ProcessPending(ctx); err != nil {
			if errors.Is(err, ErrFatalLocal) || ctx.Err() != nil {
				return err
			}
			log.Printf("level=WARN event=process_pending_failed err=%q", err.Error())
		}
	}
	if err := m.Reconcile(ctx); err != nil {
		if errors.Is(err, ErrFatalLocal) || ctx.Err() != nil {
			return err
		}
		log.Printf("level=WARN event=reconcile_failed err=%q", err.Error())
	}
	return nil
}

// EvaluateTargets asks the intent source for current targets, cancels live
// entries superseded by a re-priced target, and records any unseen token as a
// PENDING entry. A token already in the ledger is left untouched regardless
// of its state; the token is what makes re-evaluation idempotent.
func (m *Manager) EvaluateTargets(ctx context.Context) error {
	if m.Source == nil {
		return nil
	}
	intents, err := m.Source.Intents(ctx, m.clock())
	if err != nil {
		return fmt.Errorf("evaluate targets: %w", err)
	}
	intents, err = m.supersedeStale(ctx, intents)
	if err != nil {
		return err
	}
	return m.Track(intents)
}

// supersedeStale cancels live entries whose target has re-priced: a PENDING
// or SUBMITTED entry is stale when a current intent wants the same symbol and
// side under a different token. One target keeps at most one live order, so a
// replacement whose stale order could not be cancelled is held back until the
// next evaluation.
func (m *Manager) supersedeStale(ctx context.Context, intents []core.OrderIntent) ([]core.OrderIntent, error) {
	if len(intents) == 0 {
		return intents, nil
	}
	current := make(map[string]bool, len(intents))
	replacement := make(map[string]core.OrderIntent, len(intents))
	for _, intent := range intents {
		current[intent.Token] = true
		replacement[intent.Symbol+"|"+string(intent.Side)] = intent
	}
	held := make(map[string]bool)
	for _, entry := range m.Ledger.ListByState(core.EntryPending, core.EntrySubmitted) {
		if current[entry.Token] {
			continue
		}
		repl, ok := replacement[entry.Intent.Symbol+"|"+string(entry.Intent.Side)]
		if !ok {
			continue
		}
		log.Printf("level=INFO event=order_superseded token=%s replacement=%s symbol=%s old_price=%s new_price=%s",
			entry.Token, repl.Token, entry.Intent.Symbol, entry.Intent.TargetPrice, repl.TargetPrice)
		if err := m.RequestCancel(ctx, entry.Token); err != nil {
			if errors.Is(err, ErrFatalLocal) {
				return nil, err
			}
			log.Printf("level=WARN event=supersede_cancel_failed token=%s err=%q",
				entry.Token, err.Error())
			held[repl.Token] = true
		}
	}
	if len(held) == 0 {
		return intents, nil
	}
	kept := make([]core.OrderIntent, 0, len(intents))
	for _, intent := range intents {
		if !held[intent.Token] {
			kept = append(kept, intent)
		}
	}
	return kept, nil
}

// Track records unseen intents as PENDING ledger entries.
func (m *Manager) Track(intents []core.OrderIntent) error {
	for _, intent := range intents {
		if intent.Token == "" {
			continue
		}
		if _, ok := m.Ledger.Get(intent.Token); ok {
			continue
		}
		entry := core.LedgerEntry{
			Token:     intent.Token,
			Intent:    intent,
			State:     core.EntryPending,
			CreatedAt: m.clock(),
		}
		if err := m.Ledger.Upsert(entry); err != nil {
			return fmt.Errorf("%w: record pending entry: %v", ErrFatalLocal, err)
		}
		log.Printf("level=INFO event=intent_tracked token=%s symbol=%s side=%s price=%s qty=%s",
			entry.Token, intent.Symbol, intent.Side, intent.TargetPrice, intent.Qty)
	}
	return nil
}

// ProcessPending validates and submits each PENDING entry. Validation and
// submission run under one lock with a balance snapshot fetched per entry, so
// concurrent intents cannot double-spend the same free balance.
func (m *Manager) ProcessPending(ctx context.Context) error {
	for _, entry := range m.Ledger.ListByState(core.EntryPending) {
		if err := m.submitOne(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) submitOne(ctx context.Context, entry core.LedgerEntry) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	// Re-read under the lock; a cancel request may have moved the entry.
	current, ok := m.Ledger.Get(entry.Token)
	if !ok || current.State != core.EntryPending {
		return nil
	}
	entry = current

	snapshot, err := m.Exchange.Balances(ctx)
	if err != nil {
		log.Printf("level=WARN event=balance_fetch_failed token=%s err=%q", entry.Token, err.Error())
		return nil
	}

	if err := m.Validate.Validate(entry.Intent, snapshot); err != nil {
		if core.IsValidation(err) {
			m.alert("order_rejected", map[string]string{
				"token":  entry.Token,
				"symbol": entry.Intent.Symbol,
				"reason": err.Error(),
			})
			return m.transition(entry, core.EntryRejected, func(e *core.LedgerEntry) {
				e.Retryable = false
				e.LastError = err.Error()
			})
		}
		return fmt.Errorf("validate %s: %w", entry.Token, err)
	}

	if m.DryRun {
		log.Printf("level=INFO event=dry_run_validated token=%s symbol=%s side=%s price=%s qty=%s",
			entry.Token, entry.Intent.Symbol, entry.Intent.Side, entry.Intent.TargetPrice, entry.Intent.Qty)
		return nil
	}

	orderID, err := m.Exchange.PlaceOrder(ctx, entry.Intent)
	attempts := entry.SubmitAttempts + 1
	if err != nil {
		retryable := core.IsTransient(err) && attempts < m.maxSubmit()
		if !retryable {
			m.alert("order_submit_exhausted", map[string]string{
				"token":    entry.Token,
				"symbol":   entry.Intent.Symbol,
				"attempts": fmt.Sprintf("%d", attempts),
				"reason":   err.Error(),
			})
		}
		return m.transition(entry, core.EntryFailed, func(e *core.LedgerEntry) {
			e.SubmitAttempts = attempts
			e.Retryable = retryable
			e.LastError = err.Error()
		})
	}

	return m.transition(entry, core.EntrySubmitted, func(e *core.LedgerEntry) {
		e.SubmitAttempts = attempts
		e.ExchangeOrderID = orderID
		e.Retryable = false
		e.LastError = ""
	})
}

// Reconcile polls the exchange for each SUBMITTED entry and applies the
// reported status, then requeues FAILED entries still eligible for retry.
func (m *Manager) Reconcile(ctx context.Context) error {
	for _, entry := range m.Ledger.ListByState(core.EntrySubmitted) {
		if err := m.reconcileOne(ctx, entry); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	for _, entry := range m.Ledger.ListByState(core.EntryFailed) {
		if !entry.Retryable {
			continue
		}
		if err := m.transition(entry, core.EntryPending, func(e *core.LedgerEntry) {
			e.Retryable = false
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, entry core.LedgerEntry) error {
	status, err := m.Exchange.OrderStatus(ctx, entry.ExchangeOrderID)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			// The ledger says submitted, the exchange says no such order.
			// Never resubmit; flag for manual review.
			log.Printf("level=ERROR event=reconcile_divergence token=%s order_id=%s",
				entry.Token, entry.ExchangeOrderID)
			m.alert("reconcile_divergence", map[string]string{
				"token":    entry.Token,
				"order_id": entry.ExchangeOrderID,
				"symbol":   entry.Intent.Symbol,
			})
			return m.transition(entry, core.EntryFailed, func(e *core.LedgerEntry) {
				e.Retryable = false
				e.LastError = "reconciliation divergence: order unknown to exchange"
			})
		}
		failures := entry.PollFailures + 1
		if failures >= m.maxPoll() {
			m.alert("reconcile_poll_exhausted", map[string]string{
				"token":    entry.Token,
				"order_id": entry.ExchangeOrderID,
				"failures": fmt.Sprintf("%d", failures),
				"reason":   err.Error(),
			})
			// The order may still exist on the exchange, so no retry path.
			return m.transition(entry, core.EntryFailed, func(e *core.LedgerEntry) {
				e.PollFailures = failures
				e.Retryable = false
				e.LastError = err.Error()
			})
		}
		log.Printf("level=WARN event=reconcile_poll_failed token=%s failures=%d err=%q",
			entry.Token, failures, err.Error())
		entry.PollFailures = failures
		entry.LastError = err.Error()
		if upsertErr := m.Ledger.Upsert(entry); upsertErr != nil {
			return fmt.Errorf("%w: record poll failure: %v", ErrFatalLocal, upsertErr)
		}
		return nil
	}

	entry.LastCheckedAt = m.clock()
	switch status {
	case core.StatusOpen:
		entry.PollFailures = 0
		entry.LastError = ""
		if err := m.Ledger.Upsert(entry); err != nil {
			return fmt.Errorf("%w: record poll success: %v", ErrFatalLocal, err)
		}
		return nil
	case core.StatusFilled:
		return m.transition(entry, core.EntryFilled, func(e *core.LedgerEntry) {
			e.PollFailures = 0
			e.LastError = ""
		})
	case core.StatusCanceled, core.StatusExpired:
		return m.transition(entry, core.EntryCancelled, func(e *core.LedgerEntry) {
			e.PollFailures = 0
			e.LastError = ""
		})
	default:
		log.Printf("level=WARN event=reconcile_status_unknown token=%s order_id=%s status=%s",
			entry.Token, entry.ExchangeOrderID, status)
		if err := m.Ledger.Upsert(entry); err != nil {
			return fmt.Errorf("%w: record unknown status: %v", ErrFatalLocal, err)
		}
		return nil
	}
}

// RequestCancel cancels a SUBMITTED entry. If the exchange reports the order
// already filled, the fill wins and the entry moves to FILLED.
func (m *Manager) RequestCancel(ctx context.Context, token string) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	entry, ok := m.Ledger.Get(token)
	if !ok {
		return fmt.Errorf("cancel %s: %w", token, core.ErrOrderNotFound)
	}
	switch entry.State {
	case core.EntryPending:
		return m.transition(entry, core.EntryRejected, func(e *core.LedgerEntry) {
			e.LastError = "cancelled before submission"
		})
	case core.EntrySubmitted:
	default:
		return fmt.Errorf("cancel %s: entry is %s", token, entry.State)
	}

	if err := m.Exchange.CancelOrder(ctx, entry.ExchangeOrderID); err != nil {
		status, statusErr := m.Exchange.OrderStatus(ctx, entry.ExchangeOrderID)
		if statusErr == nil && status == core.StatusFilled {
			return m.transition(entry, core.EntryFilled, func(e *core.LedgerEntry) {
				e.LastCheckedAt = m.clock()
				e.LastError = ""
			})
		}
		return fmt.Errorf("cancel %s: %w", token, err)
	}
	return m.transition(entry, core.EntryCancelled, func(e *core.LedgerEntry) {
		e.LastCheckedAt = m.clock()
	})
}

// cancelOpenOnExit best-effort cancels every SUBMITTED order during shutdown.
func (m *Manager) cancelOpenOnExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, entry := range m.Ledger.ListByState(core.EntrySubmitted) {
		if err := m.RequestCancel(ctx, entry.Token); err != nil {
			log.Printf("level=WARN event=exit_cancel_failed token=%s order_id=%s err=%q",
				entry.Token, entry.ExchangeOrderID, err.Error())
			continue
		}
		log.Printf("level=INFO event=exit_cancel token=%s order_id=%s",
			entry.Token, entry.ExchangeOrderID)
	}
}

// transition moves an entry to a new state through the state machine and
// persists it. An illegal edge is a programming error and reported as fatal;
// a persistence failure is fatal because the ledger is the source of truth.
func (m *Manager) transition(entry core.LedgerEntry, to core.EntryState, mutate func(*core.LedgerEntry)) error {
	from := entry.State
	if !core.CanTransition(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s for %s", ErrFatalLocal, from, to, entry.Token)
	}
	entry.State = to
	if mutate != nil {
		mutate(&entry)
	}
	if err := m.Ledger.Upsert(entry); err != nil {
		return fmt.Errorf("%w: persist %s -> %s for %s: %v", ErrFatalLocal, from, to, entry.Token, err)
	}
	log.Printf("level=INFO event=state_transition token=%s from=%s to=%s order_id=%s attempts=%d",
		entry.Token, from, to, entry.ExchangeOrderID, entry.SubmitAttempts)
	return nil
}

func (m *Manager) maxSubmit() int {
	if m.MaxSubmitAttempts > 0 {
		return m.MaxSubmitAttempts
	}
	return 3
}

func (m *Manager) maxPoll() int {
	if m.MaxPollFailures > 0 {
		return m.MaxPollFailures
	}
	return 5
}

func (m *Manager) alert(event string, fields map[string]string) {
	if m.Alerts == nil {
		return
	}
	m.Alerts.Important(event, fields)
}
