// Package router provides HTTP routing, middleware configuration, and server setup for the dispatcher API
package router

import (
	"encoding/json"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/handlers"
	"github.com/amirphl/wa-campaign-dispatcher/app/middleware"
	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const healthPath = "/api/v1/health"

// Handlers bundles every HTTP handler the router mounts
type Handlers struct {
	Campaign     *handlers.CampaignHandler
	Sender       *handlers.SenderHandler
	Conversation *handlers.ConversationHandler
	Settings     *handlers.SettingsHandler
	Template     *handlers.TemplateHandler
	Webhook      *handlers.WebhookHandler
	Health       *handlers.HealthHandler
}

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app         *fiber.App
	cfg         config.ServerConfig
	webhookPath string
	accessLog   bool
	handlers    Handlers
	auth        *middleware.AuthMiddleware
	logger      *zap.Logger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(cfg *config.ProductionConfig, h Handlers, auth *middleware.AuthMiddleware, logger *zap.Logger) Router {
	bodyLimit := cfg.Server.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 4 * 1024 * 1024
	}
	app := fiber.New(fiber.Config{
		AppName:      "WhatsApp Campaign Dispatcher",
		ServerHeader: "wa-dispatcher",
		ErrorHandler: errorHandler(logger),
		BodyLimit:    bodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	webhookPath := cfg.Webhook.Path
	if webhookPath == "" {
		webhookPath = "/api/v1/webhooks/evolution"
	}

	return &FiberRouter{
		app:         app,
		cfg:         cfg.Server,
		webhookPath: webhookPath,
		accessLog:   cfg.Logging.EnableAccessLog,
		handlers:    h,
		auth:        auth,
		logger:      logger.Named("router"),
	}
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	r.app.Get(healthPath, r.handlers.Health.Health)

	// provider callbacks authenticate with the per-sender secret, not with a JWT
	r.app.All(r.webhookPath, r.handlers.Webhook.Receive)

	api := r.app.Group("/api/v1", r.rateLimiter(), r.auth.Authenticate())

	api.Post("/auth/logout", r.auth.Logout())
	api.Post("/templates", r.handlers.Template.CreateTemplate)

	campaigns := api.Group("/campaigns")
	campaigns.Post("/", r.handlers.Campaign.CreateCampaign)
	campaigns.Get("/", r.handlers.Campaign.ListCampaigns)
	campaigns.Get("/:uuid", r.handlers.Campaign.GetCampaign)
	campaigns.Post("/:uuid/start", r.handlers.Campaign.StartCampaign)
	campaigns.Post("/:uuid/pause", r.handlers.Campaign.PauseCampaign)
	campaigns.Post("/:uuid/resume", r.handlers.Campaign.ResumeCampaign)
	campaigns.Post("/:uuid/cancel", r.handlers.Campaign.CancelCampaign)
	campaigns.Post("/:uuid/mark-failed", r.handlers.Campaign.MarkFailed)
	campaigns.Post("/:uuid/requeue-failed", r.handlers.Campaign.RequeueFailed)
	campaigns.Get("/:uuid/errors.xlsx", r.handlers.Campaign.ExportErrors)

	api.Get("/settings", r.handlers.Settings.GetSettings)
	api.Put("/settings", r.handlers.Settings.PutSettings)

	senders := api.Group("/senders")
	senders.Post("/", r.handlers.Sender.CreateSender)
	senders.Get("/", r.handlers.Sender.ListSenders)
	senders.Get("/:name/qr", r.handlers.Sender.GetQR)
	senders.Post("/:name/refresh", r.handlers.Sender.RefreshSender)
	senders.Post("/:name/restart", r.handlers.Sender.RestartSender)
	senders.Post("/:name/check-numbers", r.handlers.Sender.CheckNumbers)
	senders.Delete("/:name", r.handlers.Sender.DeleteSender)

	conversations := api.Group("/conversations")
	conversations.Get("/", r.handlers.Conversation.ListConversations)
	conversations.Get("/:uuid/messages", r.handlers.Conversation.ListMessages)
	conversations.Post("/:uuid/reply", r.handlers.Conversation.Reply)
	conversations.Post("/:uuid/read", r.handlers.Conversation.MarkRead)
	conversations.Post("/:uuid/close", r.handlers.Conversation.Close)

	r.app.Use(notFoundHandler)

	r.logger.Info("routes configured", zap.String("webhook_path", r.webhookPath))
}

func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header:    "X-Request-ID",
		Generator: uuid.NewString,
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.Error("panic recovered",
				zap.Any("panic", e),
				zap.String("request_id", requestid.FromContext(c)),
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
			)
		},
	}))

	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000,
		ReferrerPolicy:     "no-referrer",
	}))

	r.app.Use(middleware.Metrics())

	if r.accessLog {
		r.app.Use(logger.New(logger.Config{
			Format:     `{"time":"${time}","request_id":"${respHeader:X-Request-ID}","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
			TimeFormat: time.RFC3339,
			TimeZone:   "UTC",
			Next: func(c fiber.Ctx) bool {
				return c.Path() == healthPath
			},
		}))
	}
}

func (r *FiberRouter) rateLimiter() fiber.Handler {
	limit := r.cfg.RateLimit
	if limit <= 0 {
		limit = 600
	}
	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: time.Minute,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
				Success: false,
				Message: "Too many requests. Please try again later.",
				Error:   dto.ErrorDetail{Code: "RATE_LIMIT_EXCEEDED"},
			})
		},
	})
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	r.logger.Info("starting server", zap.String("address", address))
	return r.app.Listen(address, fiber.ListenConfig{DisableStartupMessage: true})
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

func notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}

// errorHandler renders errors that escaped the handlers
func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "An internal server error occurred"
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			message = e.Message
		}
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.Int("status", code), zap.Error(err), zap.String("path", c.Path()))
		}

		return c.Status(code).JSON(dto.APIResponse{
			Success: false,
			Message: message,
			Error: dto.ErrorDetail{
				Code: "INTERNAL_ERROR",
				Details: fiber.Map{
					"timestamp":  utils.UTCNow().Unix(),
					"request_id": requestid.FromContext(c),
				},
			},
		})
	}
}
