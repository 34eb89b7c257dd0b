// Package notify delivers one-time passcodes to users. Delivery is best effort: the Dispatcher logs
// failures and never reports them to the calling flow.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/hongminglow/venue-auth/internal/otp"
	log "github.com/sirupsen/logrus"
)

// EmailSender delivers a message to an email address.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

// SMSSender delivers a text message to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Dispatcher formats OTP messages and hands them to the configured senders.
type Dispatcher struct {
	email EmailSender
	sms   SMSSender
	ttl   time.Duration
}

// NewDispatcher builds a Dispatcher that tells recipients codes last for ttl. Either sender may be
// nil, in which case that channel is skipped.
func NewDispatcher(email EmailSender, sms SMSSender, ttl time.Duration) *Dispatcher {
	if ttl <= 0 {
		ttl = otp.DefaultTTL
	}
	return &Dispatcher{email: email, sms: sms, ttl: ttl}
}

// EmailOTP sends code to an email address.
func (d *Dispatcher) EmailOTP(ctx context.Context, to, code string, purpose models.Purpose) {
	if d == nil || d.email == nil {
		return
	}
	body := fmt.Sprintf("<p>Your OTP code is: <strong>%s</strong></p><p>It expires in %s.</p>", code, expiresIn(d.ttl))
	if err := d.email.SendEmail(ctx, to, subjectFor(purpose), body); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"channel": "email",
			"purpose": purpose,
		}).Warn("notify: otp delivery failed")
	}
}

// SMSOTP sends code to a phone number.
func (d *Dispatcher) SMSOTP(ctx context.Context, to, code string, purpose models.Purpose) {
	if d == nil || d.sms == nil {
		return
	}
	body := fmt.Sprintf("Your OTP code is %s. It expires in %s.", code, expiresIn(d.ttl))
	if err := d.sms.SendSMS(ctx, to, body); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"channel": "sms",
			"purpose": purpose,
		}).Warn("notify: otp delivery failed")
	}
}

func expiresIn(ttl time.Duration) string {
	if ttl%time.Minute != 0 {
		return plural(int(ttl/time.Second), "second")
	}
	return plural(int(ttl/time.Minute), "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func subjectFor(purpose models.Purpose) string {
	switch purpose {
	case models.PurposeReset:
		return "Your password reset code"
	case models.PurposeLogin:
		return "Your login code"
	default:
		return "Your OTP Code"
	}
}
