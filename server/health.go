package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/careops/wardgate/tool"
)

// healthPaths names the readiness endpoint per backend service. Most
// expose /health; the EHR answers on its FHIR capability statement and
// the imaging server on its system endpoint.
var healthPaths = map[string]string{
	tool.ServiceMonitoring:      "/health",
	tool.ServiceEHR:             "/fhir/metadata",
	tool.ServiceLIS:             "/health",
	tool.ServicePharmacy:        "/health",
	tool.ServiceRadiology:       "/system",
	tool.ServiceBloodbank:       "/health",
	tool.ServiceERP:             "/health",
	tool.ServicePatientServices: "/health",
}

type healthResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Backends map[string]string `json:"backends"`
}

// handleHealth probes every backend concurrently and reports ok only
// when all of them answer 200 within the probe window.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	statuses := make(map[string]string, len(s.backends))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for service, base := range s.backends {
		g.Go(func() error {
			status := s.probe(ctx, base+pathFor(service))
			mu.Lock()
			statuses[service] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := "ok"
	for _, status := range statuses {
		if status != "ok" {
			overall = "degraded"
			break
		}
	}

	code := http.StatusOK
	return c.JSON(code, healthResponse{
		Status:   overall,
		Service:  "wardgate",
		Backends: statuses,
	})
}

func (s *Server) probe(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Sprintf("unreachable: %s", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Sprintf("unreachable: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return "ok"
}

func pathFor(service string) string {
	if p, ok := healthPaths[service]; ok {
		return p
	}
	return "/health"
}
