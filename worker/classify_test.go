package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	"github.com/bearmemori/bearmemori"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server error", &bearmemori.ErrHTTP{Status: 503}, kindUnavailable},
		{"rate limited", &bearmemori.ErrHTTP{Status: 429}, kindUnavailable},
		{"bad request", &bearmemori.ErrHTTP{Status: 400}, kindInvalidResponse},
		{"wrapped server error", fmt.Errorf("chat: %w", &bearmemori.ErrHTTP{Status: 502}), kindUnavailable},
		{"deadline", context.DeadlineExceeded, kindUnavailable},
		{"connect refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, kindUnavailable},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "llm.local"}, kindUnavailable},
		{"url error", &url.Error{Op: "Post", URL: "http://llm.local", Err: errors.New("timeout")}, kindUnavailable},
		{"parse failure", errors.New("decode intent_classify result: invalid character"), kindInvalidResponse},
		{"missing field", errors.New("followup result missing question"), kindInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
