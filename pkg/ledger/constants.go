package ledger

const (
	operationOpenAccount = "open_account"
	operationDebit       = "debit"
	operationCredit      = "credit"
	operationRenew       = "renew"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusRejected = "rejected"

	// RenewalPeriodSeconds is the minimum gap between two renewals of the same account.
	RenewalPeriodSeconds int64 = 7 * 24 * 60 * 60

	idempotencyKeyDelimiter = ":"

	errorOperationService   = "service"
	errorSubjectBalance     = "balance"
	errorSubjectAccount     = "account"
	errorCodeOverflow       = "overflow"
	errorCodeChainMismatch  = "chain_mismatch"
	defaultRenewalBatchSize = 100
	maxListEntriesLimit     = 500
)

// Reference types used by the platform's callers. Any non-empty tag is accepted.
const (
	ReferenceQuizAnswer   ReferenceType = "quiz_answer"
	ReferenceAIGeneration ReferenceType = "ai_generation"
	ReferenceExamCreation ReferenceType = "exam_creation"
	ReferenceAdmin        ReferenceType = "admin"
	ReferenceRefund       ReferenceType = "refund"
	ReferencePixPayment   ReferenceType = "pix_payment"
)
