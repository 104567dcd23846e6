package api

import (
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebSocketUpgrader_SameOriginByDefault(t *testing.T) {
	os.Unsetenv("SCANSYNC_CORS_ORIGIN")
	up := getWebSocketUpgrader()

	req, _ := http.NewRequest(http.MethodGet, "http://agent.local/api/ws", nil)
	req.Host = "agent.local"

	// No Origin header means same-origin
	require.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "http://agent.local")
	require.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	require.False(t, up.CheckOrigin(req))
}

func TestWebSocketUpgrader_Wildcard(t *testing.T) {
	t.Setenv("SCANSYNC_CORS_ORIGIN", "*")
	up := getWebSocketUpgrader()

	req, _ := http.NewRequest(http.MethodGet, "http://agent.local/api/ws", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	require.True(t, up.CheckOrigin(req))
}

func TestWebSocketUpgrader_AllowList(t *testing.T) {
	t.Setenv("SCANSYNC_CORS_ORIGIN", "http://one.example, http://two.example")
	up := getWebSocketUpgrader()

	req, _ := http.NewRequest(http.MethodGet, "http://agent.local/api/ws", nil)

	req.Header.Set("Origin", "http://two.example")
	require.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "http://three.example")
	require.False(t, up.CheckOrigin(req))
}

func TestWebSocketHub_ClientCountStartsAtZero(t *testing.T) {
	f := newTestServer(t)
	require.Equal(t, 0, f.server.hub.ClientCount())
}
