package jobs_test

import (
	"testing"
	"time"

	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/testutil"
)

func TestRetryPolicyDelaysDouble(t *testing.T) {
	p := jobs.DefaultRetryPolicy()

	testutil.Equal(t, 60*time.Second, p.Delay(1))
	testutil.Equal(t, 120*time.Second, p.Delay(2))
	testutil.Equal(t, 240*time.Second, p.Delay(3))
	testutil.Equal(t, 480*time.Second, p.Delay(4))
}

func TestRetryPolicyDelayExponentCapped(t *testing.T) {
	p := jobs.DefaultRetryPolicy()

	// Past the dead-letter threshold the exponent stops growing.
	capped := p.Delay(p.MaxAttempts)
	testutil.Equal(t, capped, p.Delay(p.MaxAttempts+1))
	testutil.Equal(t, capped, p.Delay(100))

	// Attempt counts below one are clamped rather than shrinking the delay.
	testutil.Equal(t, p.Delay(1), p.Delay(0))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := jobs.RetryPolicy{BaseDelay: time.Second, MaxAttempts: 3}

	testutil.True(t, p.ShouldRetry(1), "first failure retries")
	testutil.True(t, p.ShouldRetry(2), "second failure retries")
	testutil.False(t, p.ShouldRetry(3), "third failure dead-letters")
	testutil.False(t, p.ShouldRetry(4), "beyond the cap stays dead")
}

func TestRetryPolicyNextRun(t *testing.T) {
	p := jobs.DefaultRetryPolicy()
	testutil.Equal(t, t0.Add(2*time.Minute), p.NextRun(t0, 2))
}
