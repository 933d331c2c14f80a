package core

// AccountType is a closed set of account kinds, each belonging to one AccountGroup.
type AccountType string

// AccountGroup partitions account types for the opening/closing balance sections of the report.
type AccountGroup string

const (
	GroupCash       AccountGroup = "cash"
	GroupCurrent    AccountGroup = "current"
	GroupCredit     AccountGroup = "credit"
	GroupDebt       AccountGroup = "debt"
	GroupInvestment AccountGroup = "investment"
	GroupBusiness   AccountGroup = "business"
)

const (
	AccountCash          AccountType = "cash"
	AccountDebitCard     AccountType = "debit_card"
	AccountCurrent       AccountType = "current"
	AccountDeposit       AccountType = "deposit"
	AccountCreditCard    AccountType = "credit_card"
	AccountCreditLine    AccountType = "credit_line"
	AccountLoan          AccountType = "loan"
	AccountLentTo        AccountType = "lent_to"
	AccountBorrowedFrom  AccountType = "borrowed_from"
	AccountBrokerage     AccountType = "brokerage"
	AccountPension       AccountType = "pension"
	AccountBusinessAsset AccountType = "business_asset"
)

var accountGroups = map[AccountType]AccountGroup{
	AccountCash:          GroupCash,
	AccountDebitCard:     GroupCurrent,
	AccountCurrent:       GroupCurrent,
	AccountDeposit:       GroupCurrent,
	AccountCreditCard:    GroupCredit,
	AccountCreditLine:    GroupCredit,
	AccountLoan:          GroupDebt,
	AccountLentTo:        GroupDebt,
	AccountBorrowedFrom:  GroupDebt,
	AccountBrokerage:     GroupInvestment,
	AccountPension:       GroupInvestment,
	AccountBusinessAsset: GroupBusiness,
}

// AccountGroups lists groups in report order.
var AccountGroups = []AccountGroup{GroupCash, GroupCurrent, GroupCredit, GroupDebt, GroupInvestment, GroupBusiness}

func (t AccountType) Valid() bool {
	_, ok := accountGroups[t]
	return ok
}

func (t AccountType) Group() AccountGroup {
	return accountGroups[t]
}

// IsCredit reports whether accounts of this type may carry a credit limit.
func (t AccountType) IsCredit() bool {
	return t.Group() == GroupCredit
}
