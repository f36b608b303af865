package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreRegisteredOnce(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	counter := MessagesCreated().WithLabelValues("text")
	var before dto.Metric
	require.NoError(t, counter.Write(&before))

	counter.Inc()

	var after dto.Metric
	require.NoError(t, counter.Write(&after))
	require.Equal(t, before.GetCounter().GetValue()+1, after.GetCounter().GetValue())
}

func TestMetricsHandlerExposesChatCollectors(t *testing.T) {
	PresenceTransitions().WithLabelValues("online").Inc()

	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "chat_presence_transitions_total"))
}
