package api

import (
	"FunnelBot/internal/config"
	"FunnelBot/internal/http-server/handlers/broadcasts"
	"FunnelBot/internal/http-server/handlers/conversations"
	"FunnelBot/internal/http-server/handlers/errors"
	"FunnelBot/internal/http-server/handlers/events"
	"FunnelBot/internal/http-server/handlers/funnels"
	"FunnelBot/internal/http-server/middleware/authenticate"
	"FunnelBot/internal/http-server/middleware/timeout"
	"FunnelBot/internal/lib/sl"
	"FunnelBot/internal/ws"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

type Handler interface {
	authenticate.Authenticate
	events.Core
	funnels.Core
	broadcasts.Core
	conversations.Core
}

// NewRouter builds the HTTP surface. Metrics and the operator socket sit
// outside the API-key middleware; the socket checks its key itself.
func NewRouter(log *slog.Logger, handler Handler, hub *ws.Hub) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.NotFound(errors.NotFound(log))
	router.MethodNotAllowed(errors.NotAllowed(log))

	router.Handle("/metrics", promhttp.Handler())
	if hub != nil {
		router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			ws.ServeWs(hub, handler, log, w, r)
		})
	}

	router.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(timeout.Timeout(15))
		v1.Use(render.SetContentType(render.ContentTypeJSON))
		v1.Use(authenticate.New(log, handler))

		v1.Post("/events", events.Ingest(log, handler))
		v1.Route("/funnels/{id}", func(r chi.Router) {
			r.Post("/activate", funnels.Activate(log, handler))
			r.Post("/deactivate", funnels.Deactivate(log, handler))
		})
		v1.Route("/broadcasts/{id}", func(r chi.Router) {
			r.Get("/", broadcasts.Get(log, handler))
			r.Post("/start", broadcasts.Start(log, handler))
			r.Post("/pause", broadcasts.Pause(log, handler))
			r.Post("/resume", broadcasts.Resume(log, handler))
			r.Post("/cancel", broadcasts.Cancel(log, handler))
		})
		v1.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", conversations.Messages(log, handler))
			r.Post("/release", conversations.Release(log, handler))
			r.Post("/reply", conversations.Reply(log, handler))
		})
	})

	return router
}

// New starts the api server and blocks until it stops.
func New(conf *config.Config, log *slog.Logger, handler Handler, hub *ws.Hub) error {

	server := Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Handler:  NewRouter(log, handler, hub),
		ErrorLog: httpLog,
	}

	serverAddress := fmt.Sprintf("%s:%s", conf.Listen.BindIP, conf.Listen.Port)
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}

	server.log.Info("starting api server", slog.String("address", serverAddress))

	return server.httpServer.Serve(listener)
}
