package routes

import (
	"chatrelay/chatrelay/controllers"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func HealthRoutes(ctrl *controllers.HealthController) chi.Router {
	r := chi.NewRouter()
	r.Get("/", ctrl.HealthCheck)
	return r
}

type serviceDescriptor struct {
	Name        string            `json:"name"`
	Environment string            `json:"environment"`
	Mocked      bool              `json:"mocked"`
	Endpoints   map[string]string `json:"endpoints"`
}

// rootHandler describes the service at GET /.
func rootHandler(environment string, mocked bool) http.HandlerFunc {
	return handleJSON(func(r *http.Request) (any, int, error) {
		return serviceDescriptor{
			Name:        "chatrelay",
			Environment: environment,
			Mocked:      mocked,
			Endpoints: map[string]string{
				"health":  "GET /health",
				"chat":    "POST /api/chat",
				"chatWs":  "GET /api/chat/ws",
				"history": "GET /api/history",
				"tts":     "POST /api/tts",
			},
		}, http.StatusOK, nil
	})
}
