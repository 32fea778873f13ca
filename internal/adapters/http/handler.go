// Package http exposes the bot lifecycle over a Fiber REST surface plus a
// websocket event stream.
package http

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/botfleet/botfleet/internal/core/domain"
	"github.com/botfleet/botfleet/internal/core/logbuf"
	"github.com/botfleet/botfleet/internal/core/supervisor"
)

// BotService is what the HTTP layer needs from the supervisor.
type BotService interface {
	Register(ctx context.Context, b *domain.Bot) error
	Get(ctx context.Context, botID string) (*domain.Bot, error)
	List(ctx context.Context) ([]domain.Bot, error)
	UpdateSettings(ctx context.Context, botID string, upd supervisor.SettingsUpdate) (*domain.Bot, error)
	Delete(ctx context.Context, botID string) error
	Deploy(ctx context.Context, botID string, req supervisor.DeployRequest) error
	Start(ctx context.Context, botID string) error
	Stop(ctx context.Context, botID string, immediate bool) error
	Restart(ctx context.Context, botID string) error
	HealthCheck(ctx context.Context, botID string) supervisor.Health
	Logs(botID string) []string
	SubscribeLogs(botID string, o logbuf.Observer)
	UnsubscribeLogs(botID string, o logbuf.Observer)
	Subscribe(o supervisor.StatusObserver)
	Unsubscribe(o supervisor.StatusObserver)
}

type BotHandler struct {
	service BotService
}

func NewBotHandler(service BotService) *BotHandler {
	return &BotHandler{service: service}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *BotHandler) RegisterRoutes(app *fiber.App) {
	bots := app.Group("/api/v1/bots")
	bots.Post("/", h.RegisterBot)
	bots.Get("/", h.ListBots)
	bots.Get("/:id", h.GetBot)
	bots.Patch("/:id", h.UpdateBot)
	bots.Delete("/:id", h.DeleteBot)
	bots.Post("/:id/deploy", h.DeployBot)
	bots.Post("/:id/start", h.StartBot)
	bots.Post("/:id/stop", h.StopBot)
	bots.Post("/:id/force-stop", h.ForceStopBot)
	bots.Post("/:id/restart", h.RestartBot)
	bots.Get("/:id/logs", h.GetLogs)
	bots.Get("/:id/health", h.GetHealth)
	bots.Use("/:id/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	bots.Get("/:id/stream", websocket.New(h.StreamEvents))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrMissingRepoURL),
		errors.Is(err, domain.ErrUnknownSource):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNameTaken),
		errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrNotDeployed),
		errors.Is(err, domain.ErrDeployInFlight):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}

type RegisterBotRequest struct {
	Name         string `json:"name"`
	Language     string `json:"language"`
	Source       string `json:"source"`
	RepoURL      string `json:"repo_url"`
	BuildCommand string `json:"build_command"`
	RunCommand   string `json:"run_command"`
	AutoRestart  bool   `json:"auto_restart"`
}

func (h *BotHandler) RegisterBot(c *fiber.Ctx) error {
	var req RegisterBotRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	b := &domain.Bot{
		Name:         req.Name,
		Language:     req.Language,
		Source:       domain.DeploySource(req.Source),
		RepoURL:      req.RepoURL,
		BuildCommand: req.BuildCommand,
		RunCommand:   req.RunCommand,
		AutoRestart:  req.AutoRestart,
	}
	if err := h.service.Register(c.Context(), b); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(b)
}

func (h *BotHandler) ListBots(c *fiber.Ctx) error {
	bots, err := h.service.List(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(bots)
}

func (h *BotHandler) GetBot(c *fiber.Ctx) error {
	b, err := h.service.Get(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(b)
}

type UpdateBotRequest struct {
	RunCommand   *string `json:"run_command"`
	BuildCommand *string `json:"build_command"`
	AutoRestart  *bool   `json:"auto_restart"`
}

// UpdateBot patches the editable settings of a bot. Omitted fields keep
// their current values.
func (h *BotHandler) UpdateBot(c *fiber.Ctx) error {
	var req UpdateBotRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	b, err := h.service.UpdateSettings(c.Context(), c.Params("id"), supervisor.SettingsUpdate{
		RunCommand:   req.RunCommand,
		BuildCommand: req.BuildCommand,
		AutoRestart:  req.AutoRestart,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(b)
}

func (h *BotHandler) DeleteBot(c *fiber.Ctx) error {
	if err := h.service.Delete(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type deployJSONRequest struct {
	AdditionalEnv string `json:"additional_env"`
}

// DeployBot accepts either a multipart form (file field "archive", optional
// text field "env") or a JSON body with "additional_env". The deployment
// itself runs asynchronously; progress is visible in the logs endpoint.
func (h *BotHandler) DeployBot(c *fiber.Ctx) error {
	req := supervisor.DeployRequest{}

	if fh, err := c.FormFile("archive"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return fail(c, err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return fail(c, err)
		}
		req.Archive = data
		req.AdditionalEnv = c.FormValue("env")
	} else if len(c.Body()) > 0 {
		var body deployJSONRequest
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
		req.AdditionalEnv = body.AdditionalEnv
	}

	if err := h.service.Deploy(c.Context(), c.Params("id"), req); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": string(domain.StatusDeploying),
	})
}

func (h *BotHandler) StartBot(c *fiber.Ctx) error {
	if err := h.service.Start(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": string(domain.StatusRunning)})
}

func (h *BotHandler) StopBot(c *fiber.Ctx) error {
	if err := h.service.Stop(c.Context(), c.Params("id"), false); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": string(domain.StatusStopped)})
}

func (h *BotHandler) ForceStopBot(c *fiber.Ctx) error {
	if err := h.service.Stop(c.Context(), c.Params("id"), true); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": string(domain.StatusStopped)})
}

func (h *BotHandler) RestartBot(c *fiber.Ctx) error {
	if err := h.service.Restart(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": string(domain.StatusRunning)})
}

func (h *BotHandler) GetLogs(c *fiber.Ctx) error {
	if _, err := h.service.Get(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"logs": h.service.Logs(c.Params("id")),
	})
}

func (h *BotHandler) GetHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"health": string(h.service.HealthCheck(c.Context(), c.Params("id"))),
	})
}
