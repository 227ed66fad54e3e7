package receipt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	result := map[string]any{
		"lead_id": "abc",
		"lead": map[string]any{
			"id":   "xyz",
			"nil":  nil,
			"deep": map[string]any{"n": 1},
		},
	}

	v, ok := ResolvePath(result, "lead_id")
	require.True(t, ok)
	assert.Equal(t, "abc", v)

	v, ok = ResolvePath(result, "lead.id")
	require.True(t, ok)
	assert.Equal(t, "xyz", v)

	v, ok = ResolvePath(result, "lead.deep.n")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = ResolvePath(result, "lead.nil")
	assert.False(t, ok)

	_, ok = ResolvePath(result, "missing")
	assert.False(t, ok)

	_, ok = ResolvePath(result, "lead_id.sub")
	assert.False(t, ok)

	_, ok = ResolvePath(result, "")
	assert.False(t, ok)
}

func TestMissingReceiptFields(t *testing.T) {
	result := map[string]any{"lead_id": "abc"}
	assert.Empty(t, MissingReceiptFields(result, []string{"lead_id"}))
	assert.Equal(t, []string{"phone"}, MissingReceiptFields(result, []string{"lead_id", "phone"}))
	assert.Empty(t, MissingReceiptFields(result, nil))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusNotConfigured.Terminal())
	assert.False(t, Status("running").Terminal())
	assert.False(t, Status("queued").Terminal())
}

func TestSuccessOutcome(t *testing.T) {
	out := Success(map[string]any{"lead_id": "abc"}, Effects{})
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.NotNil(t, out.Effects.DBWrites)
	assert.Nil(t, out.Failure)

	// Nil result normalizes to an empty object.
	out = Success(nil, Effects{})
	assert.NotNil(t, out.Result)
}

func TestNotConfiguredOutcome(t *testing.T) {
	out := NotConfigured("os.send_sms", NotConfiguredInfo{
		Reason:      "no provider",
		RequiredEnv: []string{"TWILIO_ACCOUNT_SID"},
		NextSteps:   []string{"set the env"},
	})
	assert.Equal(t, StatusNotConfigured, out.Status)
	assert.Equal(t, "no provider", out.Result["reason"])
	assert.Equal(t, []string{"TWILIO_ACCOUNT_SID"}, out.Result["required_env"])
	assert.Equal(t, []string{"set the env"}, out.Result["next_steps"])
	assert.Empty(t, out.Effects.DBWrites)

	// Defaults keep the structured shape intact.
	out = NotConfigured("os.send_sms", NotConfiguredInfo{})
	assert.NotEmpty(t, out.Result["reason"])
	assert.NotNil(t, out.Result["required_env"])
	assert.NotNil(t, out.Result["next_steps"])
}

func TestFailedOutcome(t *testing.T) {
	out := Failed(NewFailure(CodeExecutionTimeout, "too slow"))
	assert.Equal(t, StatusFailed, out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, CodeExecutionTimeout, out.Failure.Code)
	require.Len(t, out.Effects.Errors, 1)
	assert.Equal(t, CodeExecutionTimeout, out.Effects.Errors[0].Code)
}

func TestFailedFromError(t *testing.T) {
	out := FailedFromError(NewFailure(CodeRateLimited, "slow down"))
	assert.Equal(t, CodeRateLimited, out.Failure.Code)

	out = FailedFromError(errors.New("boom"))
	assert.Equal(t, CodeHandlerThrew, out.Failure.Code)
	assert.Equal(t, "boom", out.Failure.Message)
}

func TestFailureError(t *testing.T) {
	f := NewFailure(CodeToolNotFound, "unknown tool")
	assert.Equal(t, "tool_not_found: unknown tool", f.Error())
	assert.Equal(t, CodeToolNotFound, NewFailure(CodeToolNotFound, "").Error())
}

func TestIdempotencyHit(t *testing.T) {
	r := &Receipt{}
	assert.False(t, r.IdempotencyHit())
	r.Effects.Idempotency = &Idempotency{Hit: true}
	assert.True(t, r.IdempotencyHit())
}
