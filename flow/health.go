package flow

import (
	"context"
	"fmt"
	"time"
)

// SessionChecker implements health.Checker: it reports unhealthy once a
// Session has had bytes outstanding with no ACK progress for longer than
// Stall, which usually indicates a wedged carrier or a peer that stopped
// reading.
type SessionChecker struct {
	session *Session
	stall   time.Duration
}

// NewSessionChecker returns a checker that flags s as unhealthy once
// StalledFor exceeds stall.
func NewSessionChecker(s *Session, stall time.Duration) *SessionChecker {
	return &SessionChecker{session: s, stall: stall}
}

// Check implements health.Checker.
func (c *SessionChecker) Check(_ context.Context) error {
	if d := c.session.StalledFor(); d > c.stall {
		return fmt.Errorf("flow: no ack progress for %s with bytes outstanding", d)
	}
	return nil
}
