package gateway

import (
	"errors"
	"fmt"
)

// GatewayError carries the upstream status code and raw body of a failed
// runtime call. Translation to domain errors happens one layer up, because
// the mapping from transport failure to domain meaning depends on the
// calling operation.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("runtime gateway returned status %d: %s", e.StatusCode, e.Body)
}

// AsGatewayError extracts a GatewayError from an error chain.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
