package signature

import (
	"strings"

	"agreementflow/agreement"
)

// DeriveStatus maps the external request state onto the closed signature
// status set. The external vocabulary may grow, so anything unrecognised
// counts as still waiting.
func DeriveStatus(externalState string) agreement.SignatureStatus {
	switch strings.ToLower(strings.TrimSpace(externalState)) {
	case "done", "completed", "signed":
		return agreement.SignatureCompleted
	case "cancel", "canceled", "cancelled":
		return agreement.SignatureCancelled
	default:
		return agreement.SignatureWaiting
	}
}
