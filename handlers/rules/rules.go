// Package rules defines the default planner rule set covering the demo
// handler modules. Rules are ordered: more specific intents register first so
// generality ties resolve predictably.
package rules

import (
	"regexp"
	"strings"

	"github.com/callkaidsroofing/gem/runtime/brain"
)

var (
	newLeadRE  = regexp.MustCompile(`(?i)\bnew lead\b.*?(\+?\d{6,15})(?:\s+(.+))?$`)
	findLeadRE = regexp.MustCompile(`(?i)\bfind lead\b.*?(\+?\d{6,15})`)
	sendSMSRE  = regexp.MustCompile(`(?i)\bsend (?:an? )?sms to (\+?\d{6,15})[:\s]+(.+)$`)
	noteRE     = regexp.MustCompile(`(?i)^(?:add |create )?note[:\s]+(.+)$`)
)

// Default builds the rule set for the demo handler modules.
func Default() (*brain.RuleSet, error) {
	return brain.NewRuleSet(
		brain.Rule{
			Name:     "lead-create",
			Pattern:  newLeadRE,
			ToolName: "leads.create",
			Describe: "capture a new lead (\"new lead +61400000001 Jane from Berwick\")",
			Extract: func(m brain.Match) ([]brain.Draft, error) {
				input := map[string]any{"phone": m.Groups[1]}
				if len(m.Groups) > 2 && strings.TrimSpace(m.Groups[2]) != "" {
					input["name"] = strings.TrimSpace(m.Groups[2])
				}
				return []brain.Draft{{ToolName: "leads.create", Input: input}}, nil
			},
		},
		brain.Rule{
			Name:     "lead-find",
			Pattern:  findLeadRE,
			ToolName: "leads.find_by_phone",
			Describe: "look a lead up by phone (\"find lead +61400000001\")",
			Extract: func(m brain.Match) ([]brain.Draft, error) {
				return []brain.Draft{{
					ToolName: "leads.find_by_phone",
					Input:    map[string]any{"phone": m.Groups[1]},
				}}, nil
			},
		},
		brain.Rule{
			Name:     "sms-send",
			Pattern:  sendSMSRE,
			ToolName: "os.send_sms",
			Describe: "send an SMS (\"send sms to +61400000001: running late\")",
			Extract: func(m brain.Match) ([]brain.Draft, error) {
				return []brain.Draft{{
					ToolName: "os.send_sms",
					Input: map[string]any{
						"to":   m.Groups[1],
						"body": strings.TrimSpace(m.Groups[2]),
					},
				}}, nil
			},
		},
		brain.Rule{
			Name:     "note-create",
			Pattern:  noteRE,
			ToolName: "os.create_note",
			Describe: "store a note (\"note: call the supplier tomorrow\")",
			Extract: func(m brain.Match) ([]brain.Draft, error) {
				content := strings.TrimSpace(m.Groups[1])
				title := content
				if len(title) > 48 {
					title = title[:48]
				}
				return []brain.Draft{{
					ToolName: "os.create_note",
					Input:    map[string]any{"title": title, "content": content},
				}}, nil
			},
		},
	)
}
