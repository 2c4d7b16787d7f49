package supervisor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/voxpool/chorus/internal/models"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// Run drives the periodic health sweep until ctx is cancelled. When a
// report cron is given, a fleet report notice fires on that schedule.
func (s *Supervisor) Run(ctx context.Context, reportCron string) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	var reportTimer *time.Timer
	if reportCron != "" {
		if d := nextCronDuration(reportCron); d > 0 {
			reportTimer = time.NewTimer(d)
			defer reportTimer.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case <-timerChan(reportTimer):
			s.fleetReport()
			if d := nextCronDuration(reportCron); d > 0 {
				reportTimer.Reset(d)
			}
		}
	}
}

// timerChan returns the timer's channel, or nil if the timer is nil.
// A nil channel blocks forever in select.
func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Sweep probes every live session and retries assistants whose session is
// down. Probes fan out concurrently, bounded by the probe semaphore.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.mu.Lock()
	live := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		live = append(live, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range live {
		select {
		case s.probeSlots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(assistantID string) {
			defer wg.Done()
			defer func() { <-s.probeSlots }()
			res := s.Probe(ctx, assistantID)
			if res.OK {
				log.Printf("supervisor: probe %s ok rtt=%s", assistantID, res.RTT)
			}
		}(id)
	}
	wg.Wait()

	s.retryDown(ctx)
}

// retryDown attempts to bring up sessions for active assistants that have
// none, skipping those still in cooldown.
func (s *Supervisor) retryDown(ctx context.Context) {
	var rows []models.Assistant
	if err := s.db.Where("is_active = ?", true).Find(&rows).Error; err != nil {
		log.Printf("supervisor: sweep load assistants: %v", err)
		return
	}
	now := s.now()
	for _, a := range rows {
		if _, up := s.Client(a.ID); up {
			continue
		}
		if a.CooldownTill.After(now) {
			continue
		}
		if err := s.Start(ctx, a); err != nil {
			log.Printf("supervisor: sweep start %s: %v", a.ID, err)
		}
	}
}

// fleetReport posts a summary of assistant health to the owner.
func (s *Supervisor) fleetReport() {
	if s.noticer == nil {
		return
	}
	counts := map[string]int{}
	total := 0
	for _, snap := range s.reg.List() {
		counts[snap.Health]++
		total++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d assistants loaded\n", total)
	for health, n := range counts {
		fmt.Fprintf(&b, "%s: %d\n", health, n)
	}
	s.noticer.OwnerNotice(models.SeverityInfo, "daily fleet report", b.String())
}
