package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
		code   string
	}{
		{http.StatusUnauthorized, KindAuth, CodeUnauthenticated},
		{http.StatusForbidden, KindAuth, CodeForbidden},
		{http.StatusNotFound, KindNotFound, CodeNoActiveRun},
		{http.StatusConflict, KindDomainConflict, CodeInvalidStateTransition},
		{http.StatusBadRequest, KindValidation, ""},
		{http.StatusBadGateway, KindTransport, ""},
		{http.StatusTooManyRequests, KindTransport, ""},
		{http.StatusTeapot, KindUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			e := FromStatus("pause", tt.status, "detail", CodeInvalidStateTransition, CodeNoActiveRun)
			if e.Kind != tt.kind || e.Code != tt.code {
				t.Errorf("got %s/%s, want %s/%s", e.Kind, e.Code, tt.kind, tt.code)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if Classify("x", nil) != nil {
			t.Error("expected nil")
		}
	})
	t.Run("deadline is transport timeout", func(t *testing.T) {
		e := Classify("poll", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
		if e.Kind != KindTransport || e.Code != CodeTimeout {
			t.Errorf("got %s/%s", e.Kind, e.Code)
		}
	})
	t.Run("net timeout", func(t *testing.T) {
		e := Classify("poll", timeoutErr{})
		if e.Kind != KindTransport || e.Code != CodeTimeout {
			t.Errorf("got %s/%s", e.Kind, e.Code)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		if e := Classify("start", errors.New("boom")); e.Kind != KindUnknown {
			t.Errorf("got %s", e.Kind)
		}
	})
	t.Run("already classified keeps kind and gains op", func(t *testing.T) {
		e := Classify("cancel", &Error{Kind: KindNotFound, Code: CodeNoActiveRun})
		if e.Kind != KindNotFound || e.Op != "cancel" {
			t.Errorf("got %+v", e)
		}
	})
}

func TestSentinelsMatchWithErrorsIs(t *testing.T) {
	e := FromStatus("start", http.StatusConflict, "already running", CodeAlreadyProcessing, CodeNoActiveRun)
	if !errors.Is(e, ErrAlreadyProcessing) {
		t.Error("expected errors.Is(ErrAlreadyProcessing)")
	}
	if errors.Is(e, ErrInvalidStateTransition) {
		t.Error("different code must not match")
	}
	wrapped := fmt.Errorf("controller: %w", e)
	if !errors.Is(wrapped, ErrAlreadyProcessing) {
		t.Error("wrapped error should still match")
	}
}

func TestUserMessageNeverLeaksRawText(t *testing.T) {
	raw := "pq: relation \"runs\" does not exist at line 42"
	cases := []error{
		errors.New(raw),
		&Error{Kind: KindUnknown, Op: "start", Err: errors.New(raw)},
		&Error{Kind: KindTransport, Op: "start", Message: raw},
		&Error{Kind: KindDomainConflict, Op: "pause", Code: CodeInvalidStateTransition, Message: raw},
	}
	for _, err := range cases {
		msg := UserMessage(err)
		if msg == "" {
			t.Errorf("empty message for %v", err)
		}
		if strings.Contains(msg, "relation") {
			t.Errorf("raw text leaked: %q", msg)
		}
	}
	if UserMessage(errors.New(raw)) != GenericMessage {
		t.Error("unmapped errors must use the generic message")
	}
}

func TestUserMessageDistinguishesAuth(t *testing.T) {
	unauth := UserMessage(FromStatus("poll", http.StatusUnauthorized, "", "", ""))
	forbidden := UserMessage(FromStatus("poll", http.StatusForbidden, "", "", ""))
	if unauth == forbidden {
		t.Fatal("401 and 403 must produce different messages")
	}
	if !strings.Contains(unauth, "sign in") {
		t.Errorf("401 message should ask to re-authenticate: %q", unauth)
	}
	if !strings.Contains(forbidden, "administrator") {
		t.Errorf("403 message should point to an administrator: %q", forbidden)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Classify("poll", context.DeadlineExceeded)) {
		t.Error("timeouts are retryable")
	}
	if !Retryable(ErrRestartNotEffective) {
		t.Error("restart-not-effective invites retry")
	}
	if Retryable(ErrNoCheckpoint) {
		t.Error("not found is not retryable")
	}
	if Retryable(errors.New("x")) {
		t.Error("unknown is not retryable")
	}
}
