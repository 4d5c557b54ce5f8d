package codec

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBuildKiroPayloadShape(t *testing.T) {
	body := []byte(`{
		"system":"be terse",
		"messages":[
			{"role":"user","content":"first question"},
			{"role":"assistant","content":[{"type":"text","text":"first answer"}]},
			{"role":"user","content":"second question"}
		],
		"tools":[{"name":"search","description":"","input_schema":{"type":"object","properties":{"q":{"type":"string"}}}}]
	}`)

	payload, err := BuildKiroPayload(body, "claude-sonnet-4-5", "arn:aws:codewhisperer:us-east-1:1:profile/p")
	require.NoError(t, err)

	root := gjson.ParseBytes(payload)
	assert.Equal(t, "MANUAL", root.Get("conversationState.chatTriggerType").String())
	assert.Equal(t, "arn:aws:codewhisperer:us-east-1:1:profile/p", root.Get("profileArn").String())

	history := root.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "first question", history[0].Get("userInputMessage.content").String())
	assert.Equal(t, "first answer", history[1].Get("assistantResponseMessage.content").String())

	current := root.Get("conversationState.currentMessage.userInputMessage")
	assert.Equal(t, "claude-sonnet-4-5", current.Get("modelId").String())
	assert.Contains(t, current.Get("content").String(), "be terse")
	assert.Contains(t, current.Get("content").String(), "second question")

	tools := current.Get("userInputMessageContext.tools").Array()
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Get("toolSpecification.name").String())
	assert.NotEmpty(t, tools[0].Get("toolSpecification.description").String(),
		"blank descriptions get a placeholder, upstream 400s otherwise")
	assert.True(t, tools[0].Get("toolSpecification.inputSchema.json").Exists())
}

func TestBuildKiroPayloadToolResults(t *testing.T) {
	body := []byte(`{
		"messages":[
			{"role":"user","content":"run it"},
			{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"run","input":{"cmd":"ls"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"ok"}],"is_error":false}]}
		]
	}`)

	payload, err := BuildKiroPayload(body, "claude-sonnet-4-5", "")
	require.NoError(t, err)

	results := gjson.GetBytes(payload, "conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults").Array()
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].Get("toolUseId").String())
	assert.Equal(t, "success", results[0].Get("status").String())
}

func TestBuildKiroPayloadRejectsEmptyMessages(t *testing.T) {
	_, err := BuildKiroPayload([]byte(`{"messages":[]}`), "m", "")
	assert.Error(t, err)
}

func TestEnsureToolDescriptions(t *testing.T) {
	payload := []byte(`{"conversationState":{"currentMessage":{"userInputMessage":{"userInputMessageContext":{"tools":[
		{"toolSpecification":{"name":"a","description":""}},
		{"toolSpecification":{"name":"b","description":"keep me"}}
	]}}}}}`)

	out := EnsureToolDescriptions(payload)
	tools := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools").Array()
	assert.NotEmpty(t, tools[0].Get("toolSpecification.description").String())
	assert.Equal(t, "keep me", tools[1].Get("toolSpecification.description").String())
}

func TestPrepareKiroHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, KiroEndpoint("eu-west-1"), nil)
	require.NoError(t, err)
	assert.Contains(t, req.URL.Host, "codewhisperer.eu-west-1")

	PrepareKiroHeaders(req, "tok", "machine-1")
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "application/x-amz-json-1.0", req.Header.Get("Content-Type"))
	assert.NotEmpty(t, req.Header.Get("Amz-Sdk-Invocation-Id"))
}

func TestQwenEndpoint(t *testing.T) {
	assert.Equal(t, "https://host.example.com/v1/chat/completions", QwenEndpoint("host.example.com"))
	assert.Equal(t, "https://host.example.com/v1/chat/completions", QwenEndpoint("https://host.example.com/"))
	assert.Contains(t, QwenEndpoint(""), "dashscope")
}
