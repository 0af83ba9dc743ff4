// Package provider implements drip.DeliveryProvider for Resend and Amazon SES.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ignite/lead-drip/internal/drip"
)

// APIError is a non-2xx provider response. It unwraps to the drip error
// class the engine acts on.
type APIError struct {
	Op      string
	Status  int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: provider returned %d: %s", e.Op, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return drip.ErrUnauthorized
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return drip.ErrPermanentRecipient
	default:
		return drip.ErrTransient
	}
}

// transportError marks network failures and timeouts as transient. A
// canceled run is returned as is.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, drip.ErrTransient, err)
}
