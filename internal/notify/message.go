package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/guild-bridge/internal/sync"
)

// maxListedProblems bounds how many problems a failure message lists.
const maxListedProblems = 5

// FormatSuccessMessage creates a success notification body.
func FormatSuccessMessage(report *sync.PassReport) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Session: %s\n", report.SessionID))
	for _, d := range report.Destinations {
		sent := 0
		for _, s := range d.Streams {
			sent += s.Sent
		}
		sb.WriteString(fmt.Sprintf("%s: %d items\n", d.Destination, sent))
	}
	sb.WriteString(fmt.Sprintf("Duration: %s", passDuration(report)))

	return sb.String()
}

// FormatFailureMessage creates a failure notification body.
func FormatFailureMessage(report *sync.PassReport) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Session: %s\n", report.SessionID))
	sb.WriteString(fmt.Sprintf("Sent: %d\n", report.Sent()))
	sb.WriteString(fmt.Sprintf("Skipped: %d\n", report.Skipped()))
	sb.WriteString(fmt.Sprintf("Duration: %s", passDuration(report)))

	problems := report.Problems()
	if len(problems) > 0 {
		sb.WriteString("\n\nProblems:\n")
		limit := min(len(problems), maxListedProblems)
		for i := 0; i < limit; i++ {
			sb.WriteString(fmt.Sprintf("- %s\n", problems[i]))
		}
		if len(problems) > maxListedProblems {
			sb.WriteString(fmt.Sprintf("... and %d more", len(problems)-maxListedProblems))
		}
	}

	return sb.String()
}

func passDuration(report *sync.PassReport) time.Duration {
	return report.Finished.Sub(report.Started).Round(time.Millisecond)
}
