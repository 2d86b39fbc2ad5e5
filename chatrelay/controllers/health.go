package controllers

import (
	"encoding/json"
	"net/http"
	"time"
)

type HealthController struct {
	environment string
	now         func() time.Time
}

type healthStatus struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

func NewHealthController(environment string) *HealthController {
	return &HealthController{environment: environment, now: time.Now}
}

func (h *HealthController) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(healthStatus{
		Status:      "ok",
		Timestamp:   h.now().UTC().Format(time.RFC3339Nano),
		Environment: h.environment,
	})
}
