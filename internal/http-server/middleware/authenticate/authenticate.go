package authenticate

import (
	"FunnelBot/entity"
	"FunnelBot/internal/lib/api/cont"
	"FunnelBot/internal/lib/api/response"
	"FunnelBot/internal/lib/sl"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type Authenticate interface {
	AuthenticateKey(key string) (*entity.Operator, error)
}

func New(log *slog.Logger, auth Authenticate) func(next http.Handler) http.Handler {
	mod := sl.Module("middleware.authenticate")
	log.With(mod).Info("authenticate middleware initialized")

	return func(next http.Handler) http.Handler {

		fn := func(w http.ResponseWriter, r *http.Request) {
			id := middleware.GetReqID(r.Context())
			remote := r.RemoteAddr
			// if the request is coming from a proxy, use the X-Forwarded-For header
			xRemote := r.Header.Get("X-Forwarded-For")
			if xRemote != "" {
				remote = xRemote
			}
			logger := log.With(
				mod,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", remote),
				slog.String("request_id", id),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			t1 := time.Now()
			loggerPtr := &logger
			defer func() {
				(*loggerPtr).With(
					slog.Int("status", ww.Status()),
					slog.Int("size", ww.BytesWritten()),
					slog.Float64("duration", time.Since(t1).Seconds()),
				).Info("incoming request")
			}()

			key := apiKey(r)
			if key == "" {
				*loggerPtr = (*loggerPtr).With(sl.Err(fmt.Errorf("api key not found")))
				authFailed(ww, r, "API key not found")
				return
			}
			*loggerPtr = (*loggerPtr).With(sl.Secret("key", key))

			if auth == nil {
				authFailed(ww, r, "Unauthorized: authentication not enabled")
				return
			}

			operator, err := auth.AuthenticateKey(key)
			if err != nil || operator == nil {
				if err != nil {
					*loggerPtr = (*loggerPtr).With(sl.Err(err))
				}
				authFailed(ww, r, "Unauthorized: key not accepted")
				return
			}
			*loggerPtr = (*loggerPtr).With(
				slog.String("operator", operator.Username),
			)
			ctx := cont.PutOperator(r.Context(), operator)

			ww.Header().Set("X-Request-ID", id)
			next.ServeHTTP(ww, r.WithContext(ctx))
		}

		return http.HandlerFunc(fn)
	}
}

// apiKey reads "Authorization: Bearer <key>" or the X-Api-Key header.
func apiKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func authFailed(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, response.Error(message))
}
