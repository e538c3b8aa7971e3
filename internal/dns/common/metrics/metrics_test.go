package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesZoneSerial(t *testing.T) {
	ZoneSerial.WithLabelValues("metrics-test.example.").Set(7)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `rr_authd_zone_serial{zone="metrics-test.example."} 7`))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(QueriesTotal.WithLabelValues("NXDOMAIN"))
	QueriesTotal.WithLabelValues("NXDOMAIN").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(QueriesTotal.WithLabelValues("NXDOMAIN")))
}
