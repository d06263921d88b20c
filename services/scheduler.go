// services/scheduler.go
package services

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartOverdueScheduler runs the due-date sweep on its own cadence,
// independent of the deposit poll loop.
func (s *LifecycleService) StartOverdueScheduler() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every 10 minutes: flag invoices past their due date
	_, _ = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			if _, err := s.CheckOverdue(time.Now().UTC()); err != nil {
				log.Printf("[Scheduler] Overdue sweep error: %v", err)
			}
		}),
	)
}
