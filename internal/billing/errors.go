package billing

import (
	"context"
	"errors"
	"fmt"

	"vpnshop/internal/repository"
)

// ProvisioningError means a new subscription got fewer keys than required.
// The payment stays paid and the reconciliation is retried later.
type ProvisioningError struct {
	SubscriptionID uint
	Keys           int
	Required       int
	Err            error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription %d: provisioning failed: %v", e.SubscriptionID, e.Err)
	}
	return fmt.Sprintf("subscription %d: %d of %d required keys provisioned", e.SubscriptionID, e.Keys, e.Required)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// NotificationError means the user notice was not delivered, so the payment was
// left in paid for a later retry.
type NotificationError struct {
	PaymentID string
	InFlight  bool
}

func (e *NotificationError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("payment %s: notification is being sent by another worker", e.PaymentID)
	}
	return fmt.Sprintf("payment %s: notification not delivered", e.PaymentID)
}

// IsRetryable reports whether a later Reconcile call for the same payment can succeed.
func IsRetryable(err error) bool {
	var pe *ProvisioningError
	var ne *NotificationError
	switch {
	case err == nil:
		return false
	case errors.As(err, &pe), errors.As(err, &ne):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return repository.IsRetryable(err)
}
