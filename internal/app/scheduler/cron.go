package scheduler

import (
	"strings"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field expression, matching the teacher's
// own "expected 5 fields" cron contract (services/automation/automation_triggers.go's
// hand-rolled parseNextCronExecution) but delegating the actual field
// semantics to robfig/cron/v3 instead of the teacher's minute-only
// approximation.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parseCronFastPath recognises a rule's schedulingScript as a bare cron
// expression rather than a sandboxed script, so tenants that only need "every
// day at 9am" semantics skip the goja VM entirely. A script is never
// mistaken for a cron expression: the five-field grammar rejects anything
// containing script syntax.
func parseCronFastPath(script string) (cron.Schedule, bool) {
	s := strings.TrimSpace(script)
	if s == "" || len(strings.Fields(s)) != 5 {
		return nil, false
	}
	sched, err := cronParser.Parse(s)
	if err != nil {
		return nil, false
	}
	return sched, true
}
