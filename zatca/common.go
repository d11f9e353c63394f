// Package zatca is a client of the ZATCA e-invoicing (Fatoora) API: compliance and
// production certificate issuance, compliance checks, reporting and clearance.
package zatca

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "zatca")

type languageKey struct{}

// ContextWithLanguage sets the Accept-Language of calls made with ctx ("en" or "ar").
func ContextWithLanguage(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, languageKey{}, lang)
}

func LanguageFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(languageKey{}).(string)
	return v, ok && v != ""
}

var (
	ErrUnauthorized = errors.New("zatca unauthorized")
	ErrValidation   = errors.New("zatca validation failed")
	ErrTransport    = errors.New("zatca transport failure")
	ErrSequence     = errors.New("zatca lifecycle sequence violation")
	ErrNoCredential = errors.New("no certificate and secret configured")
)

// Response is the raw remote answer kept by every remote error.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ValidationError carries the structured messages of a rejected document or request.
// A success response that still lists errors produces one as well.
type ValidationError struct {
	Response
	Result *ValidationResult
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, m := range e.Result.Errors {
		msgs = append(msgs, fmt.Sprintf("[%s] %s", m.Code, m.Message))
	}
	return fmt.Sprintf("zatca returns http status %d: %s", e.Status, strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AuthenticationError means the OTP or the certificate and secret were rejected.
type AuthenticationError struct {
	Response
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("zatca returns http status %d", e.Status)
	}
	return fmt.Sprintf("zatca returns http status %d: %s", e.Status, e.Message)
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrUnauthorized }

// TransportError means the outcome of the call is unknown: no response was received or
// the response could not be interpreted. Status is zero when nothing was received.
type TransportError struct {
	Response
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("zatca %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("zatca %s: unexpected http status %d", e.Op, e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// SequenceError reports an operation called out of lifecycle order or a broken
// invoice hash chain.
type SequenceError struct {
	Op     string
	State  string
	Reason string
}

func (e *SequenceError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s in state %s: %s", e.Op, e.State, e.Reason)
}

func (e *SequenceError) Is(target error) bool { return target == ErrSequence }
