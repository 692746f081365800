package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct {
	err   error
	delay time.Duration
}

func (p fakePinger) Ping(ctx context.Context) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func TestCheckNoTargets(t *testing.T) {
	report := New().Check(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("empty checker should be healthy, got %s", report.Status)
	}
	if len(report.Components) != 0 {
		t.Fatalf("expected no components, got %d", len(report.Components))
	}
}

func TestCheckAllHealthy(t *testing.T) {
	c := New()
	c.Register("token_store", fakePinger{})
	c.Register("audit_store", fakePinger{})
	c.Register("ignored", nil)

	report := c.Check(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", report.Status)
	}
	if len(report.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(report.Components))
	}
}

func TestCheckUnreachableBackend(t *testing.T) {
	c := New()
	c.Register("token_store", fakePinger{})
	c.Register("audit_store", fakePinger{err: errors.New("connection refused")})

	report := c.Check(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", report.Status)
	}
	var failed *Component
	for i := range report.Components {
		if report.Components[i].Name == "audit_store" {
			failed = &report.Components[i]
		}
	}
	if failed == nil || failed.Status != StatusUnhealthy || failed.Error == "" {
		t.Fatalf("unexpected failed component: %+v", failed)
	}
}

func TestCheckHighLatencyDegrades(t *testing.T) {
	c := New(WithMaxLatency(time.Millisecond))
	c.Register("token_store", fakePinger{delay: 20 * time.Millisecond})

	report := c.Check(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", report.Status)
	}
}

func TestCheckTimeout(t *testing.T) {
	c := New(WithTimeout(10 * time.Millisecond))
	c.Register("token_store", fakePinger{delay: time.Second})

	report := c.Check(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy on ping timeout", report.Status)
	}
}
