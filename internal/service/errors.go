package service

import (
	"errors"
	"fmt"
	"strings"
)

// Typed failures surfaced by engine operations. The HTTP layer maps these to
// response codes; datastore error text never reaches clients.
var (
	ErrInvalidCreditCourse     = errors.New("course is not credit eligible")
	ErrUserIsNotEligible       = errors.New("user is not eligible for credit")
	ErrProviderNotFound        = errors.New("credit provider not found")
	ErrProviderNotConfigured   = errors.New("no usable secret key configured for provider")
	ErrRequestAlreadyCompleted = errors.New("credit request already completed")
	ErrCreditRequestNotFound   = errors.New("credit request not found")
	ErrInvalidCreditStatus     = errors.New("invalid credit request status")
	ErrInvalidSignature        = errors.New("signature verification failed")
	ErrStaleTimestamp          = errors.New("callback timestamp expired")
)

// InvalidRequirementsError reports every schema problem found in a submitted
// requirement set, not just the first.
type InvalidRequirementsError struct {
	Problems []string
}

func (e *InvalidRequirementsError) Error() string {
	return fmt.Sprintf("invalid credit requirements: %s", strings.Join(e.Problems, "; "))
}

// MalformedCallbackError marks a provider callback rejected before
// authentication: bad shape, missing keys, or an unparseable timestamp.
type MalformedCallbackError struct {
	Msg string
}

func (e *MalformedCallbackError) Error() string {
	return e.Msg
}
