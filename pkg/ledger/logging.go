package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation    string
	AccountID    AccountID
	Amount       Credits
	Reference    Reference
	BalanceAfter Credits
	Renewed      bool
	Status       string
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithAccountDefaults sets the balance and weekly allowance of newly opened accounts.
func WithAccountDefaults(defaults AccountDefaults) ServiceOption {
	return func(service *Service) {
		service.defaults = defaults
	}
}

// WithRenewalBatchSize bounds how many accounts one sweep pass renews.
func WithRenewalBatchSize(batchSize int) ServiceOption {
	return func(service *Service) {
		if batchSize > 0 {
			service.renewalBatchSize = batchSize
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error == nil:
			entry.Status = operationStatusOK
		case isRejection(entry.Error):
			entry.Status = operationStatusRejected
		default:
			entry.Status = operationStatusError
		}
	}
	service.logger.LogOperation(ctx, entry)
}
