package domain

// TransactionRecord is one month of the customer's income/expense history.
type TransactionRecord struct {
	Month   string  `json:"month"`
	Income  float64 `json:"income"`
	Expense float64 `json:"expense"`
}

func (t TransactionRecord) NetIncome() float64 {
	return t.Income - t.Expense
}
