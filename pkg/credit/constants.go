package credit

import "time"

const (
	operationAddBatch       = "add_batch"
	operationConsume        = "consume"
	operationFlush          = "flush_pending_spend"
	operationGrantEmergency = "grant_emergency"
	operationResetAll       = "reset_all"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	minutesPerHour = 60

	emergencySource     = "Emergency Unlock"
	defaultMetadataJSON = "{}"
	dayKeyLayout        = "2006-01-02"

	defaultRemoteTimeout = 5 * time.Second
)
