package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"validation", Validation("op", "bad %s", "price"), KindValidation},
		{"wrapped auth", fmt.Errorf("outer: %w", Auth("op", "401")), KindAuth},
		{"deadline", context.DeadlineExceeded, KindTransport},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransport},
		{"systemic", Systemic("claim", errors.New("infinite recursion")), KindSystemic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %v; want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Transport("olx.publish", errors.New("503"))) {
		t.Fatal("transport must be retryable")
	}
	if !Retryable(errors.New("unclassified")) {
		t.Fatal("unclassified errors are retried")
	}
	for _, err := range []error{
		Validation("v", "x"),
		NotFound("n", "x"),
		Configuration("c", "x"),
		Auth("a", "x"),
		Wrap(KindDecryption, "d", errors.New("x")),
		Systemic("s", errors.New("x")),
	} {
		if Retryable(err) {
			t.Fatalf("%v (%v) must not be retryable", err, KindOf(err))
		}
	}
}

func TestRequiresReauth(t *testing.T) {
	if !RequiresReauth(Auth("a", "token expired")) {
		t.Fatal("auth must require reauth")
	}
	if !RequiresReauth(Wrap(KindDecryption, "d", errors.New("bad"))) {
		t.Fatal("decryption must require reauth")
	}
	if RequiresReauth(Transport("t", errors.New("x"))) {
		t.Fatal("transport must not require reauth")
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", Validation("demo.validate", "too short"))
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected errors.Is to match ErrValidation")
	}
	if errors.Is(err, ErrTransport) {
		t.Fatal("unexpected match on ErrTransport")
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection reset")
	if got := Transport("olx.publish", cause).Error(); got != "connection reset" {
		t.Fatalf("got %q", got)
	}
	e := &Error{Kind: KindTransport, Msg: "publish", Err: cause}
	if got := e.Error(); got != "publish: connection reset" {
		t.Fatalf("got %q", got)
	}
	if !errors.Is(e, cause) {
		t.Fatal("Unwrap must expose the cause")
	}
	if got := (&Error{Kind: KindAuth}).Error(); got != "auth error" {
		t.Fatalf("got %q", got)
	}
}

func TestKindString(t *testing.T) {
	want := map[Kind]string{
		KindUnknown:       "unknown",
		KindValidation:    "validation",
		KindNotFound:      "not_found",
		KindConfiguration: "configuration",
		KindTransport:     "transport",
		KindAuth:          "auth",
		KindDecryption:    "decryption",
		KindSystemic:      "systemic",
		KindUnrecorded:    "unrecorded",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("%d.String() = %q; want %q", k, k.String(), s)
		}
	}
}

func TestUnrecorded_ShadowsCause(t *testing.T) {
	cause := Systemic("store listing", errors.New("no such table: portal_listings"))
	err := Unrecorded("worker.store_listing", cause, "olx listing %s not recorded", "ext-1")

	if KindOf(err) != KindUnrecorded || Retryable(err) || RequiresReauth(err) {
		t.Fatalf("kind=%v retryable=%v", KindOf(err), Retryable(err))
	}
	if !errors.Is(err, ErrUnrecorded) || !errors.Is(err, ErrSystemic) {
		t.Fatal("both the outer kind and the cause must stay matchable")
	}
	if got := err.Error(); got != "olx listing ext-1 not recorded: no such table: portal_listings" {
		t.Fatalf("got %q", got)
	}
}
