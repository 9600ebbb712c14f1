package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/graffitidb/engine/internal/discovery"
	"github.com/graffitidb/engine/internal/engine"
	"github.com/graffitidb/engine/internal/model"
	"github.com/graffitidb/engine/internal/objectstore"
)

// MountRoutes mounts the five engine operations under /v1. auth resolves
// the caller's session for every request; pass httpapi.AuthMiddleware(nil)
// to treat bearer tokens as bare actor ids.
func MountRoutes(r *gin.Engine, eng *engine.Engine, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/objects", func(c *gin.Context) { post(c, eng) })
	g.GET("/objects", func(c *gin.Context) { get(c, eng) })
	g.DELETE("/objects", func(c *gin.Context) { del(c, eng) })
	g.POST("/discover", func(c *gin.Context) { discoverHandler(c, eng) })
	g.POST("/continue", func(c *gin.Context) { continueHandler(c, eng) })
}

type postRequest struct {
	Value      json.RawMessage `json:"value"`
	Channels   []string        `json:"channels"`
	Allowed    []string        `json:"allowed"`
	AllowedSet bool            `json:"allowedSet"`
}

func post(c *gin.Context, eng *engine.Engine) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	obj, err := eng.Post(c.Request.Context(), objectstore.PartialObject{
		Value:      req.Value,
		Channels:   req.Channels,
		Allowed:    req.Allowed,
		AllowedSet: req.AllowedSet,
	}, sessionOf(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, obj)
}

func get(c *gin.Context, eng *engine.Engine) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter is required"})
		return
	}
	var schemaRaw json.RawMessage
	if raw := c.Query("schema"); raw != "" {
		schemaRaw = json.RawMessage(raw)
	}

	obj, err := eng.Get(c.Request.Context(), url, schemaRaw, sessionOf(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, obj)
}

func del(c *gin.Context, eng *engine.Engine) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter is required"})
		return
	}
	if err := eng.Delete(c.Request.Context(), url, sessionOf(c)); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type discoverRequest struct {
	Channels []string        `json:"channels"`
	Schema   json.RawMessage `json:"schema"`
}

type discoverResponse struct {
	Events []discovery.DiscoverEvent `json:"events"`
	Cursor string                    `json:"cursor"`
}

func discoverHandler(c *gin.Context, eng *engine.Engine) {
	var req discoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var events []discovery.DiscoverEvent
	cont, err := eng.Discover(c.Request.Context(), req.Channels, req.Schema, sessionOf(c), func(e discovery.DiscoverEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, discoverResponse{Events: events, Cursor: cont.Cursor})
}

type continueRequest struct {
	Cursor string `json:"cursor"`
}

func continueHandler(c *gin.Context, eng *engine.Engine) {
	var req continueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var events []discovery.DiscoverEvent
	cont, err := eng.Continue(c.Request.Context(), req.Cursor, sessionOf(c), func(e discovery.DiscoverEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, discoverResponse{Events: events, Cursor: cont.Cursor})
}

func handleError(c *gin.Context, err error) {
	var notFound *model.NotFoundError
	var forbidden *model.ForbiddenError
	var schemaMismatch *model.SchemaMismatchError
	var invalidSchema *model.InvalidSchemaError
	var invalidURL *model.InvalidURLError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case errors.As(err, &schemaMismatch):
		c.JSON(http.StatusConflict, gin.H{"code": "schema_mismatch", "error": err.Error()})
	case errors.As(err, &invalidSchema):
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_schema", "error": err.Error()})
	case errors.As(err, &invalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_url", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

