package handlers

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthProbeTimeout = 5 * time.Second

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

type dependencyStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Reachable  *bool  `json:"reachable,omitempty"`
	Error      string `json:"error,omitempty"`
}

type healthReport struct {
	Status       string             `json:"status"`
	Dependencies []dependencyStatus `json:"dependencies"`
}

// DependencyHealth probes every dependency in parallel. It never starts a
// run. The status is "degraded" when a configured dependency is unreachable
// and "unconfigured" when none is configured.
func (a *App) DependencyHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	statuses := make([]dependencyStatus, len(a.Dependencies))
	var g errgroup.Group
	for i, dep := range a.Dependencies {
		statuses[i] = dependencyStatus{Name: dep.Name, Configured: dep.Configured}
		if !dep.Configured || dep.Check == nil {
			continue
		}
		i, dep := i, dep
		g.Go(func() error {
			reachable := true
			if err := dep.Check(ctx); err != nil {
				reachable = false
				statuses[i].Error = err.Error()
			}
			statuses[i].Reachable = &reachable
			return nil
		})
	}
	_ = g.Wait()

	report := healthReport{Status: "ok", Dependencies: statuses}
	configured := 0
	for _, s := range statuses {
		if s.Configured {
			configured++
		}
		if s.Reachable != nil && !*s.Reachable {
			report.Status = "degraded"
		}
	}
	if configured == 0 {
		report.Status = "unconfigured"
	}
	a.json(w, http.StatusOK, report)
}
