package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEligibleCreatedAlwaysEligible(t *testing.T) {
	now := time.Now()
	r := Record{Status: StatusCreated}
	assert.True(t, Eligible(r, 5, now))
}

func TestEligibleFailedRespectsBackoffAndMaxRetries(t *testing.T) {
	now := time.Now()

	notYetDue := Record{Status: StatusFailed, RetryCount: 1, NextRetryAt: now.Add(time.Minute)}
	assert.False(t, Eligible(notYetDue, 5, now))

	due := Record{Status: StatusFailed, RetryCount: 1, NextRetryAt: now.Add(-time.Minute)}
	assert.True(t, Eligible(due, 5, now))

	exhausted := Record{Status: StatusFailed, RetryCount: 5, NextRetryAt: now.Add(-time.Minute)}
	assert.False(t, Eligible(exhausted, 5, now))
}

func TestEligibleActiveOnlyWhenStuck(t *testing.T) {
	now := time.Now()

	fresh := Record{Status: StatusActive, KeepAlive: now, ExpireInSeconds: 300}
	assert.False(t, Eligible(fresh, 5, now))

	stuck := Record{Status: StatusActive, KeepAlive: now.Add(-400 * time.Second), ExpireInSeconds: 300}
	assert.True(t, Eligible(stuck, 5, now))
}

func TestEligibleCompletedNeverEligible(t *testing.T) {
	now := time.Now()
	r := Record{Status: StatusCompleted}
	assert.False(t, Eligible(r, 5, now))
}
