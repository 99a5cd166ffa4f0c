package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"subgate/internal/admin"
	"subgate/internal/antifraud"
	"subgate/internal/config"
	"subgate/internal/metrics"
	"subgate/internal/payments"
	"subgate/internal/telegram"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxWebhookBody    = 1 << 20
	telegramSecretHdr = "X-Telegram-Bot-Api-Secret-Token"
)

// UpdateHandler consumes Telegram updates delivered to the webhook.
type UpdateHandler interface {
	Handle(ctx context.Context, update tgbotapi.Update)
}

type Options struct {
	Intake    *payments.Intake
	Admin     *admin.Service
	Updates   UpdateHandler
	Limiter   *antifraud.SlidingWindow
	AllowList *antifraud.AllowList
	Proxies   *antifraud.AllowList
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

type Server struct {
	cfg      config.Config
	intake   *payments.Intake
	admin    *admin.Service
	updates  UpdateHandler
	limiter  *antifraud.SlidingWindow
	allow    *antifraud.AllowList
	proxies  *antifraud.AllowList
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewServer(cfg config.Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		intake:   opts.Intake,
		admin:    opts.Admin,
		updates:  opts.Updates,
		limiter:  opts.Limiter,
		allow:    opts.AllowList,
		proxies:  opts.Proxies,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		validate: validator.New(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// loggingRecoverer turns a panic into a JSON 500 and logs the stack.
func (s *Server) loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				s.logger.Error("panic recovered",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.Any("panic", rvr),
					zap.ByteString("stack", debug.Stack()),
				)
				if r.Header.Get("Connection") != "Upgrade" {
					respondError(w, http.StatusInternalServerError, fmt.Errorf("internal server error: %v", rvr))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs the route pattern rather than the raw path so webhook
// tokens never reach the logs.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			s.logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingRecoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Provider webhooks: the path token is checked before anti-fraud so
	// scanners hitting wrong tokens do not consume a source's rate budget.
	webhook := antifraud.Middleware(s.limiter, s.allow, s.proxies, s.metrics, s.logger)
	r.With(s.requireWebhookToken, webhook).Post("/click/{token}", s.handleClick)
	r.With(s.requireWebhookToken, webhook).Post("/payme/{token}", s.handlePayme)

	r.Post("/tg/webhook", s.handleTelegram)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminMiddleware)

		r.Get("/payments", s.handleAdminPayments)
		r.Get("/stats", s.handleAdminStats)
		r.Get("/export", s.handleAdminExport)
		r.Post("/grant", s.handleAdminGrant)
		r.Post("/revoke", s.handleAdminRevoke)
	})

	return r
}

func secretEqual(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) requireWebhookToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !secretEqual(chi.URLParam(r, "token"), s.cfg.WebhookToken) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	req, err := payments.ParseClickRequest(r)
	if err != nil {
		respondJSON(w, http.StatusOK, payments.ClickResponse{
			Error:     payments.ClickBadRequest,
			ErrorNote: "Bad request",
		})
		return
	}
	resp, err := s.intake.HandleClick(r.Context(), req)
	if err != nil {
		s.respondInternal(w, r, err, "click")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePayme(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	_, password, ok := r.BasicAuth()
	resp, err := s.intake.HandlePayme(r.Context(), s.intake.AuthorizePayme(password, ok), body)
	if err != nil {
		s.respondInternal(w, r, err, "payme")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookToken != "" && !secretEqual(r.Header.Get(telegramSecretHdr), s.cfg.WebhookToken) {
		respondError(w, http.StatusUnauthorized, errors.New("invalid telegram secret"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	update, err := telegram.DecodeUpdate(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if s.updates != nil {
		s.updates.Handle(context.WithoutCancel(r.Context()), update)
	}
	w.WriteHeader(http.StatusOK)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
