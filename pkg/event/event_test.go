package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLiftsRoutingFields(t *testing.T) {
	ev := New("completion:result", map[string]any{
		"session_id": "s1",
		"request_id": "req-1",
		"status":     "success",
		"result":     "hello",
	})

	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, "success", ev.Status)
	assert.NotEmpty(t, ev.EventID)
	assert.Greater(t, ev.Timestamp, float64(0))
	// Payload is untouched by the lift.
	assert.Equal(t, "hello", ev.Data["result"])
}

func TestNewDoesNotOverwriteEnvelopeFields(t *testing.T) {
	ev := &Event{Name: "system:health", SessionID: "outer", Data: map[string]any{"session_id": "inner"}}
	ev.liftRoutingFields()
	assert.Equal(t, "outer", ev.SessionID)
}

func TestNamespaceVerb(t *testing.T) {
	ev := New("state:set", nil)
	assert.Equal(t, "state", ev.Namespace())
	assert.Equal(t, "set", ev.Verb())
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("system:health"))
	assert.True(t, ValidName("state:session:get"))
	assert.False(t, ValidName("system"))
	assert.False(t, ValidName(":health"))
	assert.False(t, ValidName("system:"))
	assert.False(t, ValidName(""))
}

func TestSplitName(t *testing.T) {
	ns, verb, err := SplitName("state:session:get")
	require.NoError(t, err)
	assert.Equal(t, "state", ns)
	assert.Equal(t, "session:get", verb)

	_, _, err = SplitName("bare")
	require.Error(t, err)
}

func TestIDsDistinctAndPrefixed(t *testing.T) {
	assert.NotEqual(t, NewEventID(), NewEventID())
	assert.Contains(t, NewRequestID(), "req-")
	assert.Contains(t, NewClientID(), "client-")
	assert.Contains(t, NewTransientSessionID(), "tmp-")
	assert.Contains(t, NewAgentID(), "agent-")
}

func TestDecodeParams(t *testing.T) {
	type setParams struct {
		Namespace string         `json:"namespace"`
		Key       string         `json:"key"`
		Value     any            `json:"value"`
		Metadata  map[string]any `json:"metadata"`
	}

	var p setParams
	err := DecodeParams(map[string]any{
		"namespace": "agents",
		"key":       "k1",
		"value":     map[string]any{"nested": true},
		"metadata":  map[string]any{"ttl": 60},
		"extra":     "ignored",
	}, &p)
	require.NoError(t, err)

	assert.Equal(t, "agents", p.Namespace)
	assert.Equal(t, "k1", p.Key)
	assert.Equal(t, map[string]any{"nested": true}, p.Value)
}

func TestDecodeParamsWeakTyping(t *testing.T) {
	type params struct {
		Limit   int  `json:"limit"`
		Verbose bool `json:"verbose"`
	}

	var p params
	// JSON numbers arrive as float64; strings from shell clients happen too.
	err := DecodeParams(map[string]any{"limit": float64(50), "verbose": "true"}, &p)
	require.NoError(t, err)
	assert.Equal(t, 50, p.Limit)
	assert.True(t, p.Verbose)
}

func TestErrorResponse(t *testing.T) {
	resp := Errorf("composition %s not found", "base_agent")
	assert.Equal(t, map[string]any{"error": "composition base_agent not found"}, resp)
}

func TestContextChildKeepsIdentity(t *testing.T) {
	parent := &Context{ClientID: "client-1", CorrelationID: "corr-1", EventName: "agent:spawn"}
	child := parent.Child()

	assert.Equal(t, "client-1", child.ClientID)
	assert.Equal(t, "corr-1", child.CorrelationID)
	assert.Empty(t, child.EventName)
}

func TestContextEmitWithoutEmitterIsNil(t *testing.T) {
	var c *Context
	assert.Nil(t, c.Emit(t.Context(), "system:health", nil))
	assert.Nil(t, (&Context{}).EmitFirst(t.Context(), "system:health", nil))
}
