package discovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticReturnsCopy(t *testing.T) {
	src := Static{"mongod": {{ID: "mongod_0", Address: "10.0.0.1"}}}

	got, err := src.FetchInstances(context.Background(), "mongod")
	if err != nil {
		t.Fatalf("FetchInstances: %v", err)
	}
	if len(got) != 1 || got[0].ID != "mongod_0" {
		t.Fatalf("unexpected instances %+v", got)
	}
	got[0].Address = "192.0.2.1"
	again, _ := src.FetchInstances(context.Background(), "mongod")
	if again[0].Address != "10.0.0.1" {
		t.Fatalf("static source mutated through result")
	}

	none, err := src.FetchInstances(context.Background(), "other")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no instances for unknown role, got %+v %v", none, err)
	}
}

func TestUnavailableWrapping(t *testing.T) {
	if Unavailable("x", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	cause := errors.New("connection refused")
	err := Unavailable("etcd", cause)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved")
	}
	if again := Unavailable("other", err); again != err {
		t.Fatalf("expected already wrapped error to be returned unchanged")
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) || ue.Source != "etcd" {
		t.Fatalf("expected UnavailableError from etcd, got %#v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	slow := SourceFunc(func(ctx context.Context, role string) ([]Instance, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	src := WithTimeout(slow, 10*time.Millisecond)
	_, err := src.FetchInstances(context.Background(), "mongod")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}

	fast := Static{"mongod": {{ID: "mongod_0", Address: "10.0.0.1"}}}
	if got := WithTimeout(fast, 0); got == nil {
		t.Fatalf("expected source back")
	}
	instances, err := WithTimeout(fast, time.Second).FetchInstances(context.Background(), "mongod")
	if err != nil || len(instances) != 1 {
		t.Fatalf("unexpected result %+v %v", instances, err)
	}
}

func TestParseRecord(t *testing.T) {
	cases := []struct {
		value string
		want  Instance
	}{
		{"10.0.0.5", Instance{ID: "mongod_0", Address: "10.0.0.5"}},
		{" 10.0.0.5\n", Instance{ID: "mongod_0", Address: "10.0.0.5"}},
		{`{"instance_id":"mongod_3","address":"10.0.0.8"}`, Instance{ID: "mongod_3", Address: "10.0.0.8"}},
		{`{"address":"10.0.0.8"}`, Instance{ID: "mongod_0", Address: "10.0.0.8"}},
	}
	for _, tc := range cases {
		got, err := ParseRecord("mongod_0", []byte(tc.value))
		if err != nil {
			t.Fatalf("ParseRecord(%q): %v", tc.value, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRecord(%q) = %+v, want %+v", tc.value, got, tc.want)
		}
	}
	if _, err := ParseRecord("mongod_0", []byte(`{"address":`)); err == nil {
		t.Fatalf("expected error for truncated JSON")
	}
}
