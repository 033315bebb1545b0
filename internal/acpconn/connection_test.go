package acpconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToACPMcpServersStdioDefault(t *testing.T) {
	out := toACPMcpServers([]McpServerSpec{
		{Name: "fs", Command: "npx", Args: []string{"-y", "mcp-server-fs"}},
	})

	require.Len(t, out, 1)
	require.NotNil(t, out[0].Stdio)
	assert.Equal(t, "fs", out[0].Stdio.Name)
	assert.Equal(t, "npx", out[0].Stdio.Command)
	assert.Equal(t, []string{"-y", "mcp-server-fs"}, out[0].Stdio.Args)
	assert.Nil(t, out[0].Sse)
}

func TestToACPMcpServersSse(t *testing.T) {
	out := toACPMcpServers([]McpServerSpec{
		{Name: "remote", Type: "sse", URL: "https://example.test/mcp", Headers: map[string]string{"Authorization": "Bearer x"}},
	})

	require.Len(t, out, 1)
	require.NotNil(t, out[0].Sse)
	assert.Equal(t, "remote", out[0].Sse.Name)
	assert.Equal(t, "https://example.test/mcp", out[0].Sse.Url)
	require.Len(t, out[0].Sse.Headers, 1)
	assert.Equal(t, "Authorization", out[0].Sse.Headers[0].Name)
}

func TestToACPMcpServersEmpty(t *testing.T) {
	out := toACPMcpServers(nil)
	assert.Len(t, out, 0)
}
