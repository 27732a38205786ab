package service

import (
	"fmt"

	"keel/internal/exception/models"
)

// buildOptions assembles the resolution choices for a new exception.
// Every option carries the same fields and the list is presented in a
// fixed neutral order; nothing here may mark one choice as preferred.
func buildOptions(exceptionType string, severity string) []models.Option {
	return []models.Option{
		{
			ID:          "acknowledge_and_monitor",
			Label:       "Acknowledge and monitor",
			Description: fmt.Sprintf("Accept the current %s state and keep it under observation.", exceptionType),
			Implications: []string{
				"The condition stays outside policy until it clears on its own.",
				fmt.Sprintf("A %s exposure remains on the book while open.", severity),
			},
		},
		{
			ID:          "remediate",
			Label:       "Remediate",
			Description: "Take corrective action to bring the condition back within policy.",
			Implications: []string{
				"Corrective action may incur execution or unwind costs.",
				"The exception closes once the decision is recorded.",
			},
		},
		{
			ID:          "escalate_for_review",
			Label:       "Escalate for review",
			Description: "Hand the condition to a reviewer with broader context or authority.",
			Implications: []string{
				"Resolution is delayed until the review completes.",
				"The reviewer may impose constraints beyond this policy.",
			},
		},
	}
}
