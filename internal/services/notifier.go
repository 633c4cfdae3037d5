package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// LockoutNotice describes a lockout worth telling an administrator about
type LockoutNotice struct {
	Recipient    string
	Address      string
	LockoutCount int
	Until        time.Time
	Long         bool
	Blacklisted  bool
	Identities   map[string]int
}

// LockoutNotifier delivers lockout notices
type LockoutNotifier interface {
	NotifyLockout(ctx context.Context, notice LockoutNotice)
}

// EmailLockoutNotifier mails lockout notices to the administrator, dropping
// notices beyond the configured rate so a distributed attack cannot flood the
// inbox
type EmailLockoutNotifier struct {
	mailer   Mailer
	fallback string
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewEmailLockoutNotifier creates a notifier allowing perMinute notices per
// minute with the given burst. fallback is used when the notice carries no
// recipient.
func NewEmailLockoutNotifier(mailer Mailer, fallback string, perMinute float64, burst int, logger *slog.Logger) *EmailLockoutNotifier {
	return &EmailLockoutNotifier{
		mailer:   mailer,
		fallback: fallback,
		limiter:  rate.NewLimiter(rate.Limit(perMinute/60), burst),
		logger:   logger,
	}
}

// NotifyLockout sends the notice. Delivery failures are logged, not returned.
func (n *EmailLockoutNotifier) NotifyLockout(ctx context.Context, notice LockoutNotice) {
	to := notice.Recipient
	if to == "" {
		to = n.fallback
	}
	if to == "" {
		n.logger.Warn("lockout notification skipped: no administrator address configured",
			slog.String("address", notice.Address))
		return
	}

	if !n.limiter.Allow() {
		n.logger.Warn("lockout notification dropped by rate limit",
			slog.String("address", notice.Address),
			slog.Int("lockout_count", notice.LockoutCount))
		return
	}

	subject, body := lockoutMessage(notice)
	if err := n.mailer.Send(ctx, to, subject, body); err != nil {
		n.logger.Error("failed to send lockout notification",
			slog.String("address", notice.Address),
			slog.Any("error", err))
	}
}

func lockoutMessage(n LockoutNotice) (subject, body string) {
	kind := "locked out"
	if n.Long {
		kind = "locked out for an extended period"
	}
	subject = fmt.Sprintf("Login lockout: %s %s", n.Address, kind)

	var b strings.Builder
	fmt.Fprintf(&b, "The address %s has been %s after repeated failed logins.\n\n", n.Address, kind)
	fmt.Fprintf(&b, "Lockouts so far: %d\n", n.LockoutCount)
	fmt.Fprintf(&b, "Locked until:    %s\n", n.Until.UTC().Format(time.RFC1123))
	if n.Blacklisted {
		b.WriteString("\nThe address was added to the denylist automatically.\n")
	}

	if len(n.Identities) > 0 {
		names := make([]string, 0, len(n.Identities))
		for name := range n.Identities {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\nAttempted logins:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %s (%d)\n", name, n.Identities[name])
		}
	}

	return subject, b.String()
}
