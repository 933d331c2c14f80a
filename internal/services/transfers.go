package services

import (
	"context"
	"errors"
	"fmt"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/storage"
)

// LinkResult reports what AutoLink did.
type LinkResult struct {
	Linked     bool
	SenderID   int64
	ReceiverID int64
	// Candidates lists the options when no single strict match existed.
	Candidates []core.Operation
}

// TransferLinker pairs a MO- with the MO+ it funded.
type TransferLinker struct {
	ledger   Ledger
	settings core.Settings
	cascade  *Cascade
	logger   *log.Logger
}

func NewTransferLinker(ledger Ledger, settings core.Settings, rates RateSource, logger *log.Logger) *TransferLinker {
	return &TransferLinker{
		ledger:   ledger,
		settings: settings,
		cascade:  NewCascade(settings, rates),
		logger:   logger.WithComponent(log.ComponentTransfers),
	}
}

// Candidates returns unlinked opposite legs inside the transfer window of the
// operation: a MO+ looks back for a MO-, a MO- looks ahead for a MO+.
func (l *TransferLinker) Candidates(ctx context.Context, opID int64) ([]core.Operation, error) {
	q := l.ledger.Queries()
	op, err := q.GetOperation(ctx, opID)
	if err != nil {
		return nil, fmt.Errorf("get operation %d: %w", opID, err)
	}
	if err := l.checkUnlinked(ctx, q, op); err != nil {
		return nil, err
	}

	window := l.settings.TransferWindow
	var cands []core.Operation
	if op.Kind == core.KindTransferIn {
		cands, err = q.ListTransferCandidates(ctx, op.BudgetID, core.KindTransferOut, op.Time.Add(-window), op.Time, op.AccountID)
	} else {
		cands, err = q.ListTransferCandidates(ctx, op.BudgetID, core.KindTransferIn, op.Time, op.Time.Add(window), op.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("list transfer candidates: %w", err)
	}
	return cands, nil
}

func (l *TransferLinker) checkUnlinked(ctx context.Context, q *storage.Queries, op core.Operation) error {
	switch op.Kind {
	case core.KindTransferIn:
		if op.IsLinked() {
			return core.Invalid("sender", core.ErrLinkedTransfer, "operation %d is already linked", op.ID)
		}
	case core.KindTransferOut:
		_, err := q.GetReceiver(ctx, op.ID)
		if err == nil {
			return core.Invalid("sender", core.ErrLinkedTransfer, "operation %d is already linked", op.ID)
		}
		if !errors.Is(err, core.ErrNotFound) {
			return err
		}
	default:
		return core.Invalid("type", core.ErrInvalidKind, "%s is not a transfer", op.Kind)
	}
	return nil
}

// strictMatch reports whether the two legs agree on currency and amount.
func strictMatch(a, b core.Operation) bool {
	return a.Currency == b.Currency && a.Amount.Equal(b.Amount.Neg())
}

// AutoLink links the operation when exactly one candidate matches strictly.
// Otherwise the candidates are returned for confirmation.
func (l *TransferLinker) AutoLink(ctx context.Context, opID int64) (LinkResult, error) {
	cands, err := l.Candidates(ctx, opID)
	if err != nil {
		return LinkResult{}, err
	}
	op, err := l.ledger.Queries().GetOperation(ctx, opID)
	if err != nil {
		return LinkResult{}, err
	}

	var matches []core.Operation
	for _, c := range cands {
		if strictMatch(op, c) {
			matches = append(matches, c)
		}
	}
	if len(matches) != 1 {
		return LinkResult{Candidates: cands}, nil
	}

	sender, receiver := op, matches[0]
	if op.Kind == core.KindTransferIn {
		sender, receiver = matches[0], op
	}
	if err := l.Confirm(ctx, sender.ID, receiver.ID); err != nil {
		return LinkResult{}, err
	}
	return LinkResult{Linked: true, SenderID: sender.ID, ReceiverID: receiver.ID}, nil
}

// Confirm links receiver to sender. The receiver takes the sender's account
// currency and negated amount, and its time when it lies outside the window.
func (l *TransferLinker) Confirm(ctx context.Context, senderID, receiverID int64) error {
	err := l.ledger.WithTx(ctx, func(q *storage.Queries) error {
		sender, err := q.GetOperation(ctx, senderID)
		if err != nil {
			return err
		}
		receiver, err := q.GetOperation(ctx, receiverID)
		if err != nil {
			return err
		}
		switch {
		case sender.Kind != core.KindTransferOut:
			return core.Invalid("sender", core.ErrInvalidKind, "operation %d is %s, want MO-", sender.ID, sender.Kind)
		case receiver.Kind != core.KindTransferIn:
			return core.Invalid("receiver", core.ErrInvalidKind, "operation %d is %s, want MO+", receiver.ID, receiver.Kind)
		case sender.BudgetID != receiver.BudgetID:
			return core.Invalid("receiver", core.ErrNotFound, "operations belong to different budgets")
		case sender.AccountID == receiver.AccountID:
			return core.Invalid("receiver", core.ErrLinkedTransfer, "transfer legs must use different accounts")
		}
		if err := l.checkUnlinked(ctx, q, sender); err != nil {
			return err
		}
		if err := l.checkUnlinked(ctx, q, receiver); err != nil {
			return err
		}

		budget, err := q.GetBudget(ctx, sender.BudgetID)
		if err != nil {
			return err
		}
		senderAccount, err := q.GetAccount(ctx, sender.AccountID)
		if err != nil {
			return err
		}
		receiverAccount, err := q.GetAccount(ctx, receiver.AccountID)
		if err != nil {
			return err
		}

		next := receiver
		next.SenderID = &sender.ID
		next.Currency = senderAccount.Currency
		next.Amount = sender.AmountAccCur.Neg()
		if receiverAccount.Currency == next.Currency {
			next.AmountAccCur = next.Amount
		}
		if next.Time.Before(sender.Time) || next.Time.After(sender.Time.Add(l.settings.TransferWindow)) {
			next.Time = sender.Time
			next.Period = sender.Period
		}
		if err := l.cascade.Price(ctx, q, budget, receiverAccount, &next); err != nil {
			return err
		}
		if err := q.UpdateOperation(ctx, next); err != nil {
			return err
		}
		if err := l.cascade.Apply(ctx, q, &receiver, nil, &next, nil); err != nil {
			return err
		}

		return l.reprice(ctx, q, budget, senderAccount, sender)
	})
	if err != nil {
		return fmt.Errorf("link transfer %d -> %d: %w", senderID, receiverID, err)
	}

	l.logger.InfoContext(ctx, "Transfer linked",
		log.FieldOperation, log.OpLink,
		"sender_id", senderID,
		"receiver_id", receiverID)
	return nil
}

// Unlink clears the sender of a MO+. Both legs are repriced independently
// and both accounts are invalidated.
func (l *TransferLinker) Unlink(ctx context.Context, receiverID int64) error {
	err := l.ledger.WithTx(ctx, func(q *storage.Queries) error {
		receiver, err := q.GetOperation(ctx, receiverID)
		if err != nil {
			return err
		}
		if receiver.Kind != core.KindTransferIn || !receiver.IsLinked() {
			return core.Invalid("receiver", core.ErrLinkedTransfer, "operation %d is not a linked MO+", receiver.ID)
		}
		sender, err := q.GetOperation(ctx, *receiver.SenderID)
		if err != nil {
			return err
		}
		if err := q.SetSender(ctx, receiver.ID, nil); err != nil {
			return err
		}
		if err := q.InvalidateAccount(ctx, receiver.AccountID, receiver.Time, receiver.Period.Start()); err != nil {
			return err
		}

		budget, err := q.GetBudget(ctx, sender.BudgetID)
		if err != nil {
			return err
		}
		senderAccount, err := q.GetAccount(ctx, sender.AccountID)
		if err != nil {
			return err
		}
		return l.reprice(ctx, q, budget, senderAccount, sender)
	})
	if err != nil {
		return fmt.Errorf("unlink transfer %d: %w", receiverID, err)
	}

	l.logger.InfoContext(ctx, "Transfer unlinked", "receiver_id", receiverID)
	return nil
}

func (l *TransferLinker) reprice(ctx context.Context, q *storage.Queries, budget core.Budget, account core.Account, sender core.Operation) error {
	return l.cascade.Reprice(ctx, q, budget, account, sender)
}
