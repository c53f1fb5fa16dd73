package ledger

// RefundRequest is the administrative refund body.
type RefundRequest struct {
	TaskID string `json:"taskId" binding:"required,uuid"`
	// Amount of zero refunds the full debit.
	Amount int64  `json:"amount" binding:"gte=0"`
	Reason string `json:"reason" binding:"required,max=512"`
}

// TransactionsResponse wraps a user's ledger entries.
type TransactionsResponse struct {
	Transactions []*TokenTransaction `json:"transactions"`
}
