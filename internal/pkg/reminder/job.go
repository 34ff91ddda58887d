// Package reminder emails renewing subscribers a week before their paid
// period ends.
package reminder

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/hashicorp/go-multierror"

	"github.com/yuhaojen771/fitness-tracker/internal/pkg/billing"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/idempotency"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/mail"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/metrics"
)

// LeadDays is how long before the end date the reminder goes out.
const LeadDays = 7

const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

const subject = "您的 Premium 訂閱即將到期"

// Result records what happened for one profile.
type Result struct {
	AccountID string
	Status    string
}

// Job sends the reminder batch for one day.
type Job struct {
	repo   billing.Repository
	mailer mail.Mailer
	guard  idempotency.Guard
	appURL string
}

// NewJob creates a reminder job. guard may be nil; when set it keeps
// several instances from mailing the same profile twice on one day.
func NewJob(repo billing.Repository, mailer mail.Mailer, guard idempotency.Guard, appURL string) *Job {
	return &Job{repo: repo, mailer: mailer, guard: guard, appURL: appURL}
}

// Run mails every renewing profile whose end date is today + LeadDays.
// A failed recipient does not stop the batch; all failures are returned
// together.
func (j *Job) Run(ctx context.Context, today time.Time) ([]Result, error) {
	target := entitlements.Day(today).AddDate(0, 0, LeadDays)
	profiles, err := j.repo.ListExpiringOn(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("list expiring profiles: %w", err)
	}

	var errs *multierror.Error
	results := make([]Result, 0, len(profiles))
	for _, p := range profiles {
		if p.Email == "" {
			results = append(results, Result{AccountID: p.ID, Status: StatusSkipped})
			metrics.RemindersTotal.WithLabelValues(StatusSkipped).Inc()
			continue
		}

		key := "reminder:" + target.Format(entitlements.DateLayout) + ":" + p.ID
		if j.guard != nil {
			state, err := j.guard.Claim(ctx, key)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("claim %s: %w", billing.ShortID(p.ID), err))
				results = append(results, Result{AccountID: p.ID, Status: StatusFailed})
				continue
			}
			if state != idempotency.StateClaimed {
				results = append(results, Result{AccountID: p.ID, Status: StatusSkipped})
				continue
			}
		}

		if err := j.mailer.SendMail(p.Email, subject, j.body(target)); err != nil {
			log.Errorf("[Reminder] Failed to mail account %s: %v", billing.ShortID(p.ID), err)
			errs = multierror.Append(errs, fmt.Errorf("mail %s: %w", billing.ShortID(p.ID), err))
			results = append(results, Result{AccountID: p.ID, Status: StatusFailed})
			metrics.RemindersTotal.WithLabelValues(StatusFailed).Inc()
			if j.guard != nil {
				_ = j.guard.Forget(ctx, key)
			}
			continue
		}
		if j.guard != nil {
			if err := j.guard.Complete(ctx, key); err != nil {
				log.Warnf("[Reminder] Failed to record reminder for %s: %v", billing.ShortID(p.ID), err)
			}
		}
		results = append(results, Result{AccountID: p.ID, Status: StatusSent})
		metrics.RemindersTotal.WithLabelValues(StatusSent).Inc()
	}

	log.Infof("[Reminder] Processed %d profiles expiring on %s", len(results), target.Format(entitlements.DateLayout))
	return results, errs.ErrorOrNil()
}

func (j *Job) body(end time.Time) string {
	return fmt.Sprintf(
		"<p>您好，</p><p>您的 Premium 訂閱將於 <strong>%s</strong> 到期。</p>"+
			`<p>如需繼續使用進階功能，請前往 <a href="%s/dashboard">會員中心</a> 續訂。</p>`,
		end.Format(entitlements.DateLayout),
		html.EscapeString(j.appURL),
	)
}
