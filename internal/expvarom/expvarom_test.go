package expvarom

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIntAndMapExposedAsOpenMetrics(t *testing.T) {
	i := NewInt("expvarom_test/counter", "a test counter")
	i.Add(3)

	m := NewMap("expvarom_test/bylabel", "result", "a test map")
	m.Add("ok", 2)
	m.Add("fail", 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	MetricsHandler(w, req)

	body := w.Body.String()
	for _, want := range []string{
		"expvarom_test_counter 3",
		`expvarom_test_bylabel{result="ok"} 2`,
		`expvarom_test_bylabel{result="fail"} 1`,
		"# EOF",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %q, got:\n%s", want, body)
		}
	}
}
