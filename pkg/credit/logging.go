package credit

import (
	"context"
	"time"
)

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// OperationLogger records domain-level events emitted by Ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	Source    string
	Minutes   Minutes
	Status    string
	Error     error
}

// Notifier delivers user-facing notices ("credits earned", lockout warnings).
type Notifier interface {
	Notify(message string)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.logger = logger
	}
}

// WithNotifier wires the user-facing notice sink.
func WithNotifier(notifier Notifier) LedgerOption {
	return func(ledger *Ledger) {
		ledger.notifier = notifier
	}
}

// WithRemoteTimeout bounds every call to the remote balance service.
func WithRemoteTimeout(timeout time.Duration) LedgerOption {
	return func(ledger *Ledger) {
		if timeout > 0 {
			ledger.remoteTimeout = timeout
		}
	}
}
