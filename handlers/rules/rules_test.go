package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callkaidsroofing/gem/runtime/brain"
)

func match(t *testing.T, message string) (string, []brain.Draft) {
	t.Helper()
	rs, err := Default()
	require.NoError(t, err)
	rule, m, ok := rs.Match(message, &brain.Request{Message: message})
	require.True(t, ok, "no rule matched %q", message)
	drafts, err := rule.Drafts(m)
	require.NoError(t, err)
	return rule.Name, drafts
}

func TestLeadCreateRule(t *testing.T) {
	name, drafts := match(t, "new lead +61400000001 Jane from Berwick")
	assert.Equal(t, "lead-create", name)
	require.Len(t, drafts, 1)
	assert.Equal(t, "leads.create", drafts[0].ToolName)
	assert.Equal(t, "+61400000001", drafts[0].Input["phone"])
	assert.Equal(t, "Jane from Berwick", drafts[0].Input["name"])
}

func TestLeadCreateRuleWithoutName(t *testing.T) {
	_, drafts := match(t, "new lead +61400000001")
	require.Len(t, drafts, 1)
	assert.Equal(t, "+61400000001", drafts[0].Input["phone"])
	_, hasName := drafts[0].Input["name"]
	assert.False(t, hasName)
}

func TestFindLeadRule(t *testing.T) {
	name, drafts := match(t, "find lead +61400000001")
	assert.Equal(t, "lead-find", name)
	require.Len(t, drafts, 1)
	assert.Equal(t, "leads.find_by_phone", drafts[0].ToolName)
	assert.Equal(t, "+61400000001", drafts[0].Input["phone"])
}

func TestSendSMSRule(t *testing.T) {
	name, drafts := match(t, "send sms to +61400000001: running 20 minutes late")
	assert.Equal(t, "sms-send", name)
	require.Len(t, drafts, 1)
	assert.Equal(t, "os.send_sms", drafts[0].ToolName)
	assert.Equal(t, "+61400000001", drafts[0].Input["to"])
	assert.Equal(t, "running 20 minutes late", drafts[0].Input["body"])
}

func TestNoteRule(t *testing.T) {
	name, drafts := match(t, "note: call the supplier tomorrow")
	assert.Equal(t, "note-create", name)
	require.Len(t, drafts, 1)
	assert.Equal(t, "os.create_note", drafts[0].ToolName)
	assert.Equal(t, "call the supplier tomorrow", drafts[0].Input["content"])
	assert.NotEmpty(t, drafts[0].Input["title"])
}

func TestNoMatch(t *testing.T) {
	rs, err := Default()
	require.NoError(t, err)
	_, _, ok := rs.Match("what's the weather like", nil)
	assert.False(t, ok)
}
