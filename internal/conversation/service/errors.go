package service

import (
	"net/http"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// mapGatewayError translates a gateway failure into the service error
// taxonomy. Transport failures and 5xx/404 responses mean the runtime cannot
// serve the conversation right now; other 4xx responses mean the runtime
// refused the specific action.
func mapGatewayError(err error, action string) error {
	if err == nil {
		return nil
	}
	ge, ok := gateway.AsGatewayError(err)
	if !ok {
		return apperr.RuntimeUnavailable("runtime unreachable during "+action, err)
	}
	switch {
	case ge.StatusCode == http.StatusUnauthorized || ge.StatusCode == http.StatusForbidden:
		return apperr.Unauthorized("runtime rejected session key")
	case ge.StatusCode == http.StatusNotFound || ge.StatusCode >= 500:
		return apperr.RuntimeUnavailable("runtime could not serve "+action, err)
	default:
		return apperr.RuntimeActionFailed(action, ge.Body)
	}
}

// mapNotFoundSubResource reports a missing sub-resource (a file path, a diff
// path) distinctly from a missing conversation.
func mapNotFoundSubResource(kind, name string) error {
	return apperr.ResourceNotFound(kind + " '" + name + "' not found")
}
