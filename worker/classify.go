package worker

import (
	"context"
	"errors"
	"net"

	"github.com/bearmemori/bearmemori"
)

// Error families. invalidResponse gets a bounded in-cycle retry;
// unavailable pauses the stream and relies on redelivery.
const (
	kindInvalidResponse = "invalid_response"
	kindUnavailable     = "unavailable"
)

// classify sorts a handler error into one of the two retry families.
// Transport-level failures (connect refused, DNS, timeouts, 5xx, rate
// limits) are unavailable; everything else, including parse and schema
// failures, is invalid_response.
func classify(err error) string {
	var httpErr *bearmemori.ErrHTTP
	if errors.As(err, &httpErr) {
		if httpErr.Status >= 500 || httpErr.Status == 429 {
			return kindUnavailable
		}
		return kindInvalidResponse
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kindUnavailable
	}
	// url.Error and net.OpError both implement net.Error, which covers
	// connect refused, DNS failures and client timeouts.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return kindUnavailable
	}
	return kindInvalidResponse
}
