package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNodeStatus_OnlyDeclaredStatusReadsOne(t *testing.T) {
	SetNodeStatus("http://node-a.example.com", "openai", "online")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	require.Contains(t, body, `gateway_node_status{status="online",type="openai",url="http://node-a.example.com"} 1`)
	require.Contains(t, body, `gateway_node_status{status="offline",type="openai",url="http://node-a.example.com"} 0`)
}

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	UsageTokensTotal.WithLabelValues("0xabc").Add(5)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.True(t, strings.Contains(body, "gateway_usage_tokens_total"))
}
