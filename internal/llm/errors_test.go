package llm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		message   string
		wantType  string
		retryable bool
	}{
		{400, "bad request", "*llm.InvalidRequestError", false},
		{422, "unprocessable", "*llm.InvalidRequestError", false},
		{401, "bad key", "*llm.AuthenticationError", false},
		{403, "forbidden", "*llm.AuthenticationError", false},
		{404, "no such model", "*llm.NotFoundError", false},
		{408, "slow", "*llm.RequestTimeoutError", true},
		{429, "slow down", "*llm.RateLimitError", true},
		{429, "quota exceeded for billing period", "*llm.QuotaExceededError", true},
		{500, "oops", "*llm.ServerError", true},
		{503, "overloaded", "*llm.ServerError", true},
		{418, "teapot", "*llm.UnknownHTTPError", true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_%s", tc.status, tc.message), func(t *testing.T) {
			err := ErrorFromHTTPStatus(tc.status, tc.message, nil)
			if got := fmt.Sprintf("%T", err); got != tc.wantType {
				t.Fatalf("type = %s, want %s", got, tc.wantType)
			}
			if Retryable(err) != tc.retryable {
				t.Fatalf("Retryable = %v, want %v", Retryable(err), tc.retryable)
			}
			var le Error
			if !errors.As(err, &le) {
				t.Fatalf("err %T does not implement Error", err)
			}
			if le.StatusCode() != tc.status {
				t.Fatalf("status = %d, want %d", le.StatusCode(), tc.status)
			}
		})
	}
}

func TestErrorFromHTTPStatusRetryAfter(t *testing.T) {
	d := 30 * time.Second
	err := ErrorFromHTTPStatus(429, "slow down", &d)
	var le Error
	if !errors.As(err, &le) {
		t.Fatalf("err = %T", err)
	}
	if got := le.RetryAfter(); got == nil || *got != d {
		t.Fatalf("RetryAfter = %v", got)
	}
}

func TestRetryableNonLLMError(t *testing.T) {
	if Retryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
	if Retryable(nil) {
		t.Fatal("nil is not retryable")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if d := ParseRetryAfter("30", now); d == nil || *d != 30*time.Second {
		t.Fatalf("seconds form = %v", d)
	}
	httpDate := now.Add(90 * time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	if d := ParseRetryAfter(httpDate, now); d == nil || *d != 90*time.Second {
		t.Fatalf("http-date form = %v", d)
	}
	past := now.Add(-time.Hour).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	if d := ParseRetryAfter(past, now); d == nil || *d != 0 {
		t.Fatalf("past http-date should clamp to 0, got %v", d)
	}
	if d := ParseRetryAfter("", now); d != nil {
		t.Fatalf("empty = %v", d)
	}
	if d := ParseRetryAfter("soonish", now); d != nil {
		t.Fatalf("garbage = %v", d)
	}
	if d := ParseRetryAfter("-5", now); d != nil {
		t.Fatalf("negative seconds = %v", d)
	}
}

func TestRequestValidate(t *testing.T) {
	ok := Request{Model: "m", Messages: []Message{System("s"), User("u")}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (Request{Messages: []Message{User("u")}}).Validate(); err == nil {
		t.Fatal("missing model must fail")
	}
	if err := (Request{Model: "m"}).Validate(); err == nil {
		t.Fatal("empty messages must fail")
	}
	bad := Request{Model: "m", Messages: []Message{{Role: "assistant", Content: "x"}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("invalid role must fail")
	}
}
