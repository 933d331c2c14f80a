package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/storage"
)

// Ledger is the transactional store the services write through.
type Ledger interface {
	Queries() *storage.Queries
	WithTx(ctx context.Context, fn func(q *storage.Queries) error) error
}

// OperationInput carries the user-editable fields of an operation.
type OperationInput struct {
	AccountID int64
	Kind      core.Kind
	Time      time.Time
	TZOffset  decimal.Decimal

	AmountAccCur decimal.Decimal
	// Amount in Currency; zero derives it from AmountAccCur.
	Amount decimal.Decimal
	// Currency defaults to the account currency.
	Currency string
	// Period overrides the accounting month; nil books to Time's UTC month.
	Period *core.Period

	Place           string
	Description     string
	BankDescription string
	MCC             string
	ProjectID       *int64

	// Allocations split a CRE/DEB across categories. On update nil keeps the
	// current split.
	Allocations []AllocationInput

	UserID string
}

// OperationService is the operation model: create, update and delete, each
// with its full post-save cascade in one transaction.
type OperationService struct {
	ledger   Ledger
	settings core.Settings
	cascade  *Cascade
	allocs   *AllocationEngine
	logger   *log.Logger
}

func NewOperationService(ledger Ledger, settings core.Settings, rates RateSource, logger *log.Logger) *OperationService {
	return &OperationService{
		ledger:   ledger,
		settings: settings,
		cascade:  NewCascade(settings, rates),
		allocs:   NewAllocationEngine(settings),
		logger:   logger.WithComponent(log.ComponentOperations),
	}
}

// Create stores a new user operation. Exchange differences are generated by
// recalculation and cannot be created here.
func (s *OperationService) Create(ctx context.Context, in OperationInput) (*core.Operation, error) {
	if in.Kind.IsExchangeDifference() {
		return nil, core.Invalid("type", core.ErrInvalidKind, "%s operations are generated by recalculation", in.Kind)
	}

	var created core.Operation
	err := s.ledger.WithTx(ctx, func(q *storage.Queries) error {
		account, budget, err := loadAccount(ctx, q, in.AccountID)
		if err != nil {
			return err
		}
		op, err := s.build(ctx, q, account, in)
		if err != nil {
			return err
		}
		op.CreatedBy = in.UserID
		if err := s.cascade.Price(ctx, q, budget, account, &op); err != nil {
			return err
		}

		id, err := q.InsertOperation(ctx, op)
		if err != nil {
			return err
		}
		op.ID = id

		allocs, err := s.allocs.Resolve(ctx, q, &op, in.Allocations)
		if err != nil {
			return err
		}
		if allocs, err = insertAllocations(ctx, q, op.ID, allocs); err != nil {
			return err
		}
		if err := s.cascade.Apply(ctx, q, nil, nil, &op, allocs); err != nil {
			return err
		}
		created = op
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}

	s.logger.InfoContext(ctx, "Operation created",
		log.FieldOperationID, created.ID,
		log.FieldAccountID, created.AccountID,
		log.FieldKind, created.Kind,
		log.FieldPeriod, created.Period.String())
	return &created, nil
}

// Update rewrites an operation. The received leg of a linked transfer keeps
// its time, zone, currency and amount; edits of a linked MO- are mirrored
// onto its receiver.
func (s *OperationService) Update(ctx context.Context, id int64, in OperationInput) (*core.Operation, error) {
	var updated core.Operation
	err := s.ledger.WithTx(ctx, func(q *storage.Queries) error {
		prev, err := q.GetOperation(ctx, id)
		if err != nil {
			return err
		}
		if prev.Kind.IsExchangeDifference() {
			return core.Invalid("type", core.ErrInvalidKind, "%s operations are maintained by recalculation", prev.Kind)
		}
		if in.Kind == "" {
			in.Kind = prev.Kind
		}
		if in.Kind.IsExchangeDifference() {
			return core.Invalid("type", core.ErrInvalidKind, "cannot turn an operation into %s", in.Kind)
		}
		if prev.IsLinked() {
			if in.Currency == "" {
				in.Currency = prev.Currency
			}
			if in.Amount.IsZero() {
				in.Amount = prev.Amount
			}
		}

		account, budget, err := loadAccount(ctx, q, in.AccountID)
		if err != nil {
			return err
		}
		if account.BudgetID != prev.BudgetID {
			return core.Invalid("account", core.ErrNotFound, "account %d is not in budget %d", account.ID, prev.BudgetID)
		}
		next, err := s.build(ctx, q, account, in)
		if err != nil {
			return err
		}
		next.ID = prev.ID
		next.CreatedBy = prev.CreatedBy
		next.SenderID = prev.SenderID
		next.BalanceAccCur, next.BalanceBase1, next.BalanceBase2 = prev.BalanceAccCur, prev.BalanceBase1, prev.BalanceBase2

		receiver, err := s.checkLinks(ctx, q, &prev, &next)
		if err != nil {
			return err
		}
		var prevRecv, nextRecv core.Operation
		if receiver != nil {
			prevRecv = *receiver
			nextRecv = s.mirror(account, &next, prevRecv)
		}

		// The receiver is saved first so the MO- is valued off its new state.
		if receiver != nil {
			if err := s.saveMirror(ctx, q, budget, prevRecv, &nextRecv); err != nil {
				return err
			}
		}
		if err := s.cascade.Price(ctx, q, budget, account, &next); err != nil {
			return err
		}

		prevAllocs, err := q.ListAllocations(ctx, prev.ID)
		if err != nil {
			return err
		}
		inputs := in.Allocations
		if inputs == nil && next.Kind == prev.Kind {
			inputs = keepAllocations(prevAllocs, next.AmountAccCur)
		}
		nextAllocs, err := s.allocs.Resolve(ctx, q, &next, inputs)
		if err != nil {
			return err
		}

		if err := q.UpdateOperation(ctx, next); err != nil {
			return err
		}
		if err := q.DeleteAllocations(ctx, next.ID); err != nil {
			return err
		}
		if nextAllocs, err = insertAllocations(ctx, q, next.ID, nextAllocs); err != nil {
			return err
		}
		if err := s.cascade.Apply(ctx, q, &prev, prevAllocs, &next, nextAllocs); err != nil {
			return err
		}
		// A MO- is valued off its receiver, so it follows every MO+ edit.
		if next.Kind == core.KindTransferIn && next.IsLinked() {
			sender, err := q.GetOperation(ctx, *next.SenderID)
			if err != nil {
				return err
			}
			senderAccount, err := q.GetAccount(ctx, sender.AccountID)
			if err != nil {
				return err
			}
			if err := s.cascade.Reprice(ctx, q, budget, senderAccount, sender); err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update operation %d: %w", id, err)
	}

	s.logger.InfoContext(ctx, "Operation updated",
		log.FieldOperationID, updated.ID,
		log.FieldAccountID, updated.AccountID,
		log.FieldKind, updated.Kind)
	return &updated, nil
}

// checkLinks enforces the transfer-link edit rules and returns the receiver
// of a linked MO-, if any.
func (s *OperationService) checkLinks(ctx context.Context, q *storage.Queries, prev, next *core.Operation) (*core.Operation, error) {
	if prev.IsLinked() {
		switch {
		case next.Kind != prev.Kind:
			return nil, core.Invalid("type", core.ErrLinkedTransfer, "unlink before changing the kind")
		case !next.Time.Equal(prev.Time):
			return nil, core.Invalid("time_transaction", core.ErrLinkedTransfer, "follows the sending leg")
		case !next.TZOffset.Equal(prev.TZOffset):
			return nil, core.Invalid("time_zone", core.ErrLinkedTransfer, "follows the sending leg")
		case next.Currency != prev.Currency:
			return nil, core.Invalid("currency", core.ErrLinkedTransfer, "follows the sending leg")
		case !next.Amount.Equal(prev.Amount):
			return nil, core.Invalid("amount", core.ErrLinkedTransfer, "follows the sending leg")
		case next.AccountID != prev.AccountID:
			sender, err := q.GetOperation(ctx, *prev.SenderID)
			if err != nil {
				return nil, err
			}
			if sender.AccountID == next.AccountID {
				return nil, core.Invalid("account", core.ErrLinkedTransfer, "transfer legs must use different accounts")
			}
		}
		return nil, nil
	}

	if prev.Kind != core.KindTransferOut {
		return nil, nil
	}
	recv, err := q.GetReceiver(ctx, prev.ID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if next.Kind != prev.Kind {
		return nil, core.Invalid("type", core.ErrLinkedTransfer, "unlink before changing the kind")
	}
	if next.AccountID == recv.AccountID {
		return nil, core.Invalid("account", core.ErrLinkedTransfer, "transfer legs must use different accounts")
	}
	return &recv, nil
}

// mirror derives the receiver of a linked MO- from the sender's new state.
func (s *OperationService) mirror(senderAccount core.Account, sender *core.Operation, recv core.Operation) core.Operation {
	next := recv
	next.TZOffset = sender.TZOffset
	next.Currency = senderAccount.Currency
	next.Amount = sender.AmountAccCur.Neg()
	next.EditedBy = sender.EditedBy
	if next.Time.Before(sender.Time) || next.Time.After(sender.Time.Add(s.settings.TransferWindow)) {
		next.Time = sender.Time
		next.Period = sender.Period
	}
	return next
}

func (s *OperationService) saveMirror(ctx context.Context, q *storage.Queries, budget core.Budget, prev core.Operation, next *core.Operation) error {
	account, err := q.GetAccount(ctx, next.AccountID)
	if err != nil {
		return err
	}
	// A cross-currency receiver keeps its received amount.
	if account.Currency == next.Currency {
		next.AmountAccCur = next.Amount
	}
	if err := s.cascade.Price(ctx, q, budget, account, next); err != nil {
		return err
	}
	if err := q.UpdateOperation(ctx, *next); err != nil {
		return err
	}
	return s.cascade.Apply(ctx, q, &prev, nil, next, nil)
}

// Delete removes an operation. A receiver keeps existing with its sender
// cleared; the store nulls the reference.
func (s *OperationService) Delete(ctx context.Context, id int64) error {
	var op core.Operation
	err := s.ledger.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		op, err = q.GetOperation(ctx, id)
		if err != nil {
			return err
		}
		allocs, err := q.ListAllocations(ctx, op.ID)
		if err != nil {
			return err
		}
		if err := s.cascade.Apply(ctx, q, &op, allocs, nil, nil); err != nil {
			return err
		}
		return q.DeleteOperation(ctx, op.ID)
	})
	if err != nil {
		return fmt.Errorf("delete operation %d: %w", id, err)
	}

	s.logger.InfoContext(ctx, "Operation deleted",
		log.FieldOperationID, op.ID,
		log.FieldAccountID, op.AccountID,
		log.FieldKind, op.Kind)
	return nil
}

// build validates in and assembles the operation row without derived fields.
func (s *OperationService) build(ctx context.Context, q *storage.Queries, account core.Account, in OperationInput) (core.Operation, error) {
	if !in.Kind.Valid() {
		return core.Operation{}, core.Invalid("type", core.ErrInvalidKind, "%q", in.Kind)
	}
	if in.Time.IsZero() {
		return core.Operation{}, core.Invalid("time_transaction", core.ErrYearOutOfBounds, "missing")
	}
	t := core.TruncateMicros(in.Time)
	if y := t.Year(); y < s.settings.MinBudgetYear || y > s.settings.MaxBudgetYear {
		return core.Operation{}, core.Invalid("time_transaction", core.ErrYearOutOfBounds, "%d not in [%d, %d]", y, s.settings.MinBudgetYear, s.settings.MaxBudgetYear)
	}
	period := core.PeriodOf(t)
	if in.Period != nil {
		period = *in.Period
	}
	if err := period.Validate(s.settings.MinBudgetYear, s.settings.MaxBudgetYear); err != nil {
		return core.Operation{}, err
	}
	if err := core.ValidateTZOffset(in.TZOffset); err != nil {
		return core.Operation{}, err
	}

	amount := core.RoundAmount(in.AmountAccCur)
	if amount.IsZero() {
		return core.Operation{}, core.Invalid("amount_acc_cur", core.ErrZeroAmount, "")
	}
	if in.Kind != core.KindTransferIn && amount.Sign() != in.Kind.Sign() {
		return core.Operation{}, core.Invalid("amount_acc_cur", core.ErrWrongSign, "%s must be %s", in.Kind, signWord(in.Kind))
	}

	currency := in.Currency
	if currency == "" {
		currency = account.Currency
	}
	opAmount := core.RoundAmount(in.Amount)
	if currency == account.Currency {
		opAmount = amount
	}
	if !opAmount.IsZero() && opAmount.Sign() != amount.Sign() {
		return core.Operation{}, core.Invalid("amount", core.ErrWrongSign, "must have the sign of amount_acc_cur")
	}

	if in.ProjectID != nil {
		if err := checkProject(ctx, q, account.BudgetID, *in.ProjectID, "project"); err != nil {
			return core.Operation{}, err
		}
	}

	return core.Operation{
		BudgetID:        account.BudgetID,
		AccountID:       account.ID,
		Kind:            in.Kind,
		Time:            t,
		TZOffset:        in.TZOffset,
		AmountAccCur:    amount,
		Amount:          opAmount,
		Currency:        currency,
		Period:          period,
		Place:           in.Place,
		Description:     in.Description,
		BankDescription: in.BankDescription,
		MCC:             in.MCC,
		ProjectID:       in.ProjectID,
		EditedBy:        in.UserID,
	}, nil
}

func signWord(k core.Kind) string {
	if k.Sign() > 0 {
		return "positive"
	}
	return "negative"
}

func loadAccount(ctx context.Context, q *storage.Queries, id int64) (core.Account, core.Budget, error) {
	account, err := q.GetAccount(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Account{}, core.Budget{}, core.Invalid("account", core.ErrNotFound, "unknown account %d", id)
	}
	if err != nil {
		return core.Account{}, core.Budget{}, err
	}
	budget, err := q.GetBudget(ctx, account.BudgetID)
	if err != nil {
		return core.Account{}, core.Budget{}, err
	}
	return account, budget, nil
}

func insertAllocations(ctx context.Context, q *storage.Queries, opID int64, allocs []core.Allocation) ([]core.Allocation, error) {
	for i := range allocs {
		allocs[i].OperationID = opID
		id, err := q.InsertAllocation(ctx, allocs[i])
		if err != nil {
			return nil, err
		}
		allocs[i].ID = id
	}
	return allocs, nil
}

// keepAllocations turns the stored split back into inputs. A single
// allocation follows the new amount; a split must still add up.
func keepAllocations(allocs []core.Allocation, amount decimal.Decimal) []AllocationInput {
	out := make([]AllocationInput, len(allocs))
	for i, a := range allocs {
		out[i] = AllocationInput{CategoryID: a.CategoryID, ProjectID: a.ProjectID, Amount: a.AmountAccCur}
	}
	if len(out) == 1 {
		out[0].Amount = amount
	}
	return out
}
