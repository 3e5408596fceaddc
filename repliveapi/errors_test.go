package repliveapi

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		KindTransient:    "transient",
		KindUnauthorized: "unauthorized",
		KindAuthFailure:  "auth_failure",
		KindNotLive:      "not_live",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindUnauthorized},
		{403, KindUnauthorized},
		{408, KindTransient},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindTransient},
	}
	for _, c := range cases {
		if got := classifyStatus(c.status); got != c.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestIsHelpers(t *testing.T) {
	transient := &APIError{Kind: KindTransient, Op: "x"}
	unauth := &APIError{Kind: KindUnauthorized, Op: "x"}
	fatal := &APIError{Kind: KindAuthFailure, Op: "x"}
	notLive := &APIError{Kind: KindNotLive, Op: "x"}

	if !IsTransient(transient) || IsTransient(unauth) || IsTransient(fatal) {
		t.Error("IsTransient misclassified")
	}
	if !IsUnauthorized(unauth) || IsUnauthorized(transient) {
		t.Error("IsUnauthorized misclassified")
	}
	if !IsAuthFailure(fatal) || IsAuthFailure(unauth) {
		t.Error("IsAuthFailure misclassified")
	}
	if !IsNotLive(notLive) || IsNotLive(transient) {
		t.Error("IsNotLive misclassified")
	}
}

func TestIsTransientWrapped(t *testing.T) {
	err := fmt.Errorf("poll channel: %w", &APIError{Kind: KindUnauthorized, Op: "status", Status: 401})
	if !IsUnauthorized(err) {
		t.Error("IsUnauthorized should see through wrapping")
	}
	if IsTransient(err) {
		t.Error("wrapped unauthorized is not transient")
	}
}

func TestIsTransientDefaults(t *testing.T) {
	if !IsTransient(errors.New("connection reset by peer")) {
		t.Error("unknown errors default to transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("cancellation is not transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}
