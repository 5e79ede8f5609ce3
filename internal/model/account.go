package model

// AccountValue is one account summary tag.
type AccountValue struct {
	Account  string `json:"account"`
	Tag      string `json:"tag"`
	Value    string `json:"value"`
	Currency string `json:"currency,omitempty"`
}

// AccountSummary groups summary values by account then tag.
type AccountSummary struct {
	Accounts map[string]map[string]AccountValue `json:"accounts"`
}

// NewAccountSummary returns an empty summary.
func NewAccountSummary() AccountSummary {
	return AccountSummary{Accounts: make(map[string]map[string]AccountValue)}
}

// Add records v, replacing an earlier value for the same account and tag.
func (s AccountSummary) Add(v AccountValue) {
	tags, ok := s.Accounts[v.Account]
	if !ok {
		tags = make(map[string]AccountValue)
		s.Accounts[v.Account] = tags
	}
	tags[v.Tag] = v
}

// Get returns the value of tag for account.
func (s AccountSummary) Get(account, tag string) (AccountValue, bool) {
	v, ok := s.Accounts[account][tag]
	return v, ok
}

// DefaultSummaryTags is the tag list requested when the caller names none.
var DefaultSummaryTags = []string{
	"AccountType", "NetLiquidation", "TotalCashValue", "SettledCash",
	"AccruedCash", "BuyingPower", "EquityWithLoanValue", "PreviousEquityWithLoanValue",
	"GrossPositionValue", "RegTEquity", "RegTMargin", "SMA", "InitMarginReq",
	"MaintMarginReq", "AvailableFunds", "ExcessLiquidity", "Cushion",
	"FullInitMarginReq", "FullMaintMarginReq", "FullAvailableFunds",
	"FullExcessLiquidity", "LookAheadNextChange", "LookAheadInitMarginReq",
	"LookAheadMaintMarginReq", "LookAheadAvailableFunds", "LookAheadExcessLiquidity",
	"HighestSeverity", "DayTradesRemaining", "Leverage",
}
