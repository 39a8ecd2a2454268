package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestFailureClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		code Code
	}{
		{ErrNotLoaded, CodeNotLoaded},
		{fmt.Errorf("%w: cuda", ErrResourceExhausted), CodeResourceExhausted},
		{fmt.Errorf("%w: missing", ErrLoadFailed), CodeLoadFailed},
		{ErrBadRequest, CodeBadRequest},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			t.Parallel()
			r := Failure(tc.err)
			if r.OK {
				t.Fatal("Failure returned OK response")
			}
			if r.Code != tc.code {
				t.Errorf("Code = %q, want %q", r.Code, tc.code)
			}
			if r.Error != tc.err.Error() {
				t.Errorf("Error = %q, want %q", r.Error, tc.err.Error())
			}
		})
	}
}

func TestResponseErrSurvivesJSON(t *testing.T) {
	t.Parallel()
	orig := Failure(fmt.Errorf("%w: cuda", ErrResourceExhausted))
	orig.Loaded = true
	b, err := orig.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalResponse(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != orig {
		t.Fatalf("decoded = %+v, want %+v", got, orig)
	}
	if !errors.Is(got.Err(), ErrResourceExhausted) {
		t.Errorf("Err() = %v, want ErrResourceExhausted", got.Err())
	}
	var re *ResponseError
	if !errors.As(got.Err(), &re) || re.Code != CodeResourceExhausted {
		t.Errorf("errors.As ResponseError = %+v", re)
	}
}

func TestSuccessErrNil(t *testing.T) {
	t.Parallel()
	if err := Success("hello").Err(); err != nil {
		t.Fatalf("Success.Err() = %v", err)
	}
	if err := Failure(errors.New("x")).Err(); errors.Unwrap(err) != nil {
		t.Errorf("internal failure unwraps to %v, want nil", errors.Unwrap(err))
	}
}

func TestUnmarshalResponseInvalid(t *testing.T) {
	t.Parallel()
	if _, err := UnmarshalResponse([]byte("{")); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}
