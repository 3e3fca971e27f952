package handler

import (
	"collab-editor-be/internal/auth"
	"collab-editor-be/internal/dto"
	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/internal/pkg/serverutils"
	"collab-editor-be/internal/service"
	internalWS "collab-editor-be/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gofiber/websocket/v2"
)

type DocumentHandler struct {
	service  service.IDocumentService
	hub      *internalWS.Hub
	verifier *auth.Verifier
	logger   logger.ILogger
}

func NewDocumentHandler(service service.IDocumentService, hub *internalWS.Hub, verifier *auth.Verifier, log logger.ILogger) *DocumentHandler {
	return &DocumentHandler{
		service:  service,
		hub:      hub,
		verifier: verifier,
		logger:   log,
	}
}

// ServeWs upgrades the request. Authentication happens on the first frame.
func (h *DocumentHandler) ServeWs(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	owner, slug := utils.CopyString(c.Params("owner")), utils.CopyString(c.Params("slug"))
	return websocket.New(func(conn *websocket.Conn) {
		h.logger.Info("DocumentHandler", "Starting sync session", map[string]interface{}{"owner": owner, "slug": slug})
		internalWS.ServeWs(h.hub, conn, owner, slug)
		h.logger.Info("DocumentHandler", "Sync session ended", map[string]interface{}{"owner": owner, "slug": slug})
	})(c)
}

// Show returns the bookkeeping row of a document.
func (h *DocumentHandler) Show(c *fiber.Ctx) error {
	res, err := h.service.Get(c.UserContext(), c.Params("owner"), c.Params("slug"), serverutils.Account(c))
	if err != nil {
		return err
	}
	return c.JSON(serverutils.SuccessResponse("Success get document", res))
}

func (h *DocumentHandler) ListPermissions(c *fiber.Ctx) error {
	res, err := h.service.ListPermissions(c.UserContext(), c.Params("owner"), c.Params("slug"), serverutils.Account(c))
	if err != nil {
		return err
	}
	return c.JSON(serverutils.SuccessResponse("Success get permissions", res))
}

func (h *DocumentHandler) Grant(c *fiber.Ctx) error {
	var req dto.GrantPermissionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := h.service.Grant(c.UserContext(), c.Params("owner"), c.Params("slug"), serverutils.Account(c), &req)
	if err != nil {
		return err
	}
	return c.JSON(serverutils.SuccessResponse("Success grant permission", res))
}

func (h *DocumentHandler) Revoke(c *fiber.Ctx) error {
	err := h.service.Revoke(c.UserContext(), c.Params("owner"), c.Params("slug"), serverutils.Account(c), c.Params("account"))
	if err != nil {
		return err
	}
	return c.JSON(serverutils.SuccessResponse[any]("Success revoke permission", nil))
}

// RegisterRoutes registers the document routes and the sync endpoint.
func (h *DocumentHandler) RegisterRoutes(app *fiber.App) {
	docs := app.Group("/api/documents/:owner/:slug")
	docs.Use(serverutils.JwtMiddleware(h.verifier))
	docs.Get("/", h.Show)
	docs.Get("/permissions", h.ListPermissions)
	docs.Post("/permissions", h.Grant)
	docs.Delete("/permissions/:account", h.Revoke)

	// WebSocket
	app.Get("/ws/docs/:owner/:slug", h.ServeWs)
}
