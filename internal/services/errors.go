// Package services defines the business logic for payments, credit balances,
// and reconciliation. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Payment-related errors.
var (
	// ErrUnknownTariff is returned when a payment is requested for a tariff
	// name that is not in the catalog.
	ErrUnknownTariff = errors.New("unknown tariff")

	// ErrPaymentNotFound indicates that the requested payment does not exist
	// or is not accessible to the current user.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrGatewayUnavailable is returned when the payment gateway rejects or
	// fails a creation request. The local record stays pending in that case;
	// whether an intent was opened remotely is unknown.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrNoConfirmationURL is returned when the gateway accepted the creation
	// request but did not include a redirect confirmation URL in the response.
	ErrNoConfirmationURL = errors.New("gateway returned no confirmation url")
)
