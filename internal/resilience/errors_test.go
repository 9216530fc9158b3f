package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/apperr"
)

func TestIsTransient_FetchError(t *testing.T) {
	err := NewFetchError("https://shop.example/p/1", 503, errors.New("service unavailable"))
	if !IsTransient(err) {
		t.Error("expected FetchError to be transient")
	}
	if !IsTransient(fmt.Errorf("head refresh: %w", err)) {
		t.Error("expected wrapped FetchError to be transient")
	}
	if !IsTransient(eris.Wrap(err, "detail refresh")) {
		t.Error("expected eris-wrapped FetchError to be transient")
	}
}

func TestIsTransient_Nil(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	if IsTransient(errors.New("parse price: no number")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_DeadlineExceeded(t *testing.T) {
	if !IsTransient(fmt.Errorf("get: %w", context.DeadlineExceeded)) {
		t.Error("handler timeout should be transient")
	}
}

func TestIsTransient_Network(t *testing.T) {
	if !IsTransient(fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)) {
		t.Error("ECONNREFUSED should be transient")
	}
	if !IsTransient(&net.DNSError{IsTimeout: true, Err: "timeout"}) {
		t.Error("network timeout should be transient")
	}
	if !IsTransient(errors.New("read: connection reset by peer")) {
		t.Error("connection reset should be transient")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 410, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to not be transient", code)
		}
	}
}

func TestFetchError_Message(t *testing.T) {
	err := NewFetchError("https://shop.example", 502, errors.New("bad gateway"))
	if err.Error() != "fetch https://shop.example: http 502: bad gateway" {
		t.Errorf("unexpected message %q", err.Error())
	}
	err = NewFetchError("https://shop.example", 0, errors.New("i/o timeout"))
	if err.Error() != "fetch https://shop.example: i/o timeout" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class Class
		label string
	}{
		{"validation", apperr.Validation("limit out of range"), ClassTerminal, "validation"},
		{"not found", apperr.NotFound("offer o1"), ClassTerminal, "not_found"},
		{"terminal", apperr.Terminal(nil, "unknown kind"), ClassTerminal, "terminal"},
		{"transient", NewFetchError("u", 503, errors.New("x")), ClassRetry, "transient"},
		{"unknown", errors.New("boom"), ClassRetry, "unknown"},
		{"wrapped validation", eris.Wrap(apperr.Validation("x"), "decode"), ClassTerminal, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.class {
				t.Errorf("Classify = %s, want %s", got, tt.class)
			}
			if got := Label(tt.err); got != tt.label {
				t.Errorf("Label = %s, want %s", got, tt.label)
			}
		})
	}
}
