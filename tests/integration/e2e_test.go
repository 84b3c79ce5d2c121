//go:build integration
// +build integration

package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/bridge"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/host"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/manifest"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform/headless"
	"github.com/GriffinCanCode/AgentOS/webhost/tests/helpers/testutil"
)

const page = `<html><body><script>
fetch("api://localhost/greeting?name=web")
  .then(function (r) { return r.text(); })
  .then(function (t) { window.ipc.postMessage(t); });
</script></body></html>`

// TestManifestToBridge boots the whole stack from a manifest: an assets
// scheme serves the page, a proxy scheme forwards to an upstream, and the
// page reports back over the bridge.
func TestManifestToBridge(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello "+r.URL.Query().Get("name"))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dist", "index.html"), []byte(page), 0o644))
	manifestPath := filepath.Join(dir, "webhost.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
context: e2e
unique_schemes: true
mounts:
  - scheme: app
    assets: dist
  - scheme: api
    proxy: `+upstream.URL+`
    timeout: 2s
    retries: 0
`), 0o644))

	m, err := manifest.Load(manifestPath)
	require.NoError(t, err)

	got := make(chan bridge.Message, 1)
	loop := testutil.StartLoop(t)
	adapter := headless.New(loop, headless.WithCapabilities(m.Capabilities()))
	h := host.New(loop, adapter,
		host.WithMetrics(monitoring.NewMetrics()),
		host.WithBridgeScheme(m.Bridge()),
		host.WithMessageHandler(bridge.HandlerFunc(func(_ context.Context, msg bridge.Message) {
			got <- msg
		})),
	)
	adapter.Attach(h)
	require.NoError(t, h.AddContext(m.ContextID()))
	require.NoError(t, m.Apply(h, m.ContextID(), nil))

	debug := httptest.NewServer(server.New(h).Handler())
	defer debug.Close()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := adapter.Open(ctx, m.ContextID())
	require.NoError(t, err)
	resp, err := p.Navigate(ctx, "app://localhost/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	select {
	case msg := <-got:
		assert.Equal(t, "hello web", msg.Body)
		assert.Equal(t, p.ID(), msg.Surface)
	case <-ctx.Done():
		t.Fatal("page never reported over the bridge")
	}

	res, err := http.Get(debug.URL + "/stats")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	var st struct {
		Surfaces int `json:"surfaces"`
	}
	require.NoError(t, sonic.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Surfaces)
}
