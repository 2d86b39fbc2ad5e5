package routes

import (
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/middlewares"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Deps struct {
	Relay       *controllers.RelayController
	Health      *controllers.HealthController
	Speech      Synthesizer
	Environment string
	Mocked      bool
	// RequestTimeout bounds non-streaming work; zero disables it.
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewares.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", rootHandler(d.Environment, d.Mocked))
	r.Mount("/health", HealthRoutes(d.Health))

	r.Route("/api", func(api chi.Router) {
		if d.RequestTimeout > 0 {
			api.Use(middleware.Timeout(d.RequestTimeout))
		}
		api.Mount("/chat", ChatRoutes(d.Relay))
		api.Mount("/history", HistoryRoutes(d.Relay))
		api.Mount("/tts", TTSRoutes(d.Speech))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		notFound("Route not found")(w)
	})
	return r
}
