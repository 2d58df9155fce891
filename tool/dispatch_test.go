package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch(t *testing.T) {
	t.Run("GET substitutes path params and sends the rest as query", func(t *testing.T) {
		var gotPath, gotQuery string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotQuery = r.URL.RawQuery
			json.NewEncoder(w).Encode(map[string]any{"heart_rate": 72})
		}))
		defer srv.Close()

		d := NewDispatcher(map[string]string{ServiceMonitoring: srv.URL})
		def := Definition{Name: "get_vitals", Route: Route{Service: ServiceMonitoring, Method: "GET", Path: "/vitals/{patient_id}"}}

		result, err := d.Dispatch(context.Background(), def, map[string]any{"patient_id": "P001", "window": "1h"})
		require.NoError(t, err)
		assert.Equal(t, "/vitals/P001", gotPath)
		assert.Equal(t, "window=1h", gotQuery)
		assert.Equal(t, float64(72), result["heart_rate"])
	})

	t.Run("POST sends params as JSON body", func(t *testing.T) {
		var body map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(map[string]any{"status": "dispatched"})
		}))
		defer srv.Close()

		d := NewDispatcher(map[string]string{ServiceMonitoring: srv.URL})
		def := Definition{Name: "initiate_code_blue", Route: Route{Service: ServiceMonitoring, Method: "POST", Path: "/code-blue"}}

		_, err := d.Dispatch(context.Background(), def, map[string]any{"patient_id": "P001"})
		require.NoError(t, err)
		assert.Equal(t, "P001", body["patient_id"])
	})

	t.Run("retries transport failure once", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				// Hang past the per-attempt timeout.
				time.Sleep(200 * time.Millisecond)
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}))
		defer srv.Close()

		d := NewDispatcher(map[string]string{ServiceLIS: srv.URL}, func(o *DispatcherOptions) {
			o.Timeout = 50 * time.Millisecond
		})
		def := Definition{Name: "get_lab_results", Route: Route{Service: ServiceLIS, Method: "GET", Path: "/results/{patient_id}"}}

		result, err := d.Dispatch(context.Background(), def, map[string]any{"patient_id": "P001"})
		require.NoError(t, err)
		assert.Equal(t, true, result["ok"])
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("does not retry HTTP error status", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		d := NewDispatcher(map[string]string{ServiceLIS: srv.URL})
		def := Definition{Name: "get_lab_results", Route: Route{Service: ServiceLIS, Method: "GET", Path: "/results/{patient_id}"}}

		_, err := d.Dispatch(context.Background(), def, map[string]any{"patient_id": "P001"})
		var derr *DispatchError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, "get_lab_results", derr.Tool)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		d := NewDispatcher(map[string]string{ServiceLIS: "http://127.0.0.1:1"}, func(o *DispatcherOptions) {
			o.Timeout = 100 * time.Millisecond
		})
		def := Definition{Name: "get_lab_results", Route: Route{Service: ServiceLIS, Method: "GET", Path: "/results/{patient_id}"}}

		_, err := d.Dispatch(context.Background(), def, map[string]any{"patient_id": "P001"})
		var derr *DispatchError
		require.ErrorAs(t, err, &derr)
	})

	t.Run("unconfigured service", func(t *testing.T) {
		d := NewDispatcher(map[string]string{})
		def := Definition{Name: "get_vitals", Route: Route{Service: ServiceMonitoring, Method: "GET", Path: "/vitals/{patient_id}"}}
		_, err := d.Dispatch(context.Background(), def, map[string]any{"patient_id": "P001"})
		assert.Error(t, err)
	})

	t.Run("wraps non-object JSON responses", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]string{"A+", "O-"})
		}))
		defer srv.Close()

		d := NewDispatcher(map[string]string{ServiceBloodbank: srv.URL})
		def := Definition{Name: "get_blood_availability", Route: Route{Service: ServiceBloodbank, Method: "GET", Path: "/availability"}}

		result, err := d.Dispatch(context.Background(), def, nil)
		require.NoError(t, err)
		assert.Contains(t, result, "result")
	})
}

func TestBuildURL(t *testing.T) {
	t.Run("template with existing query string", func(t *testing.T) {
		target, remaining, err := buildURL("http://ehr", "/fhir/MedicationRequest?patient={patient_id}", map[string]any{
			"patient_id": "P001",
			"status":     "active",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://ehr/fhir/MedicationRequest?patient=P001", target)
		assert.Equal(t, map[string]any{"status": "active"}, remaining)
	})

	t.Run("path values are escaped", func(t *testing.T) {
		target, _, err := buildURL("http://ehr", "/wards/{ward_id}/patients", map[string]any{
			"ward_id": "ICU 2/B",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://ehr/wards/ICU%202%2FB/patients", target)
	})

	t.Run("missing placeholder value errors", func(t *testing.T) {
		_, _, err := buildURL("http://lis", "/results/{patient_id}", map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "patient_id")
	})
}

func TestWithQueryEscapes(t *testing.T) {
	got := withQuery("http://mon/vitals", map[string]any{"window": "1h 30m"})
	assert.Equal(t, "http://mon/vitals?window=1h+30m", got)
}
