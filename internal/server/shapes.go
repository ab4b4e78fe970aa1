package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// pendingShapeID lets Normalize validate a document whose id the service will assign.
const pendingShapeID = "pending"

type shapeListResponse struct {
	Shapes []canvas.Document `json:"shapes"`
}

func (h *httpHandler) handleListShapes(c *gin.Context) {
	list, err := h.shapes.List(c.Request.Context(), c.Param("canvasId"))
	if err != nil {
		h.respondError(c, "shapes.list", err)
		return
	}
	c.JSON(http.StatusOK, shapeListResponse{Shapes: documents(list)})
}

func (h *httpHandler) handleCreateShape(c *gin.Context) {
	var doc canvas.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	generated := doc.ID == ""
	if generated {
		doc.ID = pendingShapeID
	}
	shape, err := canvas.Normalize(doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_shape"})
		return
	}
	if generated {
		shape.Node.ID = ""
	}
	shape.LockedBy = nil

	created, err := h.shapes.Create(c.Request.Context(), c.Param("canvasId"), shape)
	if err != nil {
		h.respondError(c, "shapes.create", err)
		return
	}
	c.JSON(http.StatusCreated, canvas.ToDocument(created))
}

func (h *httpHandler) handleUpdateShape(c *gin.Context) {
	var patch canvas.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.shapes.Update(c.Request.Context(), c.Param("canvasId"), c.Param("shapeId"), patch)
	if err != nil {
		h.respondError(c, "shapes.update", err)
		return
	}
	c.JSON(http.StatusOK, canvas.ToDocument(updated))
}

func (h *httpHandler) handleDeleteShape(c *gin.Context) {
	if err := h.shapes.Delete(c.Request.Context(), c.Param("canvasId"), c.Param("shapeId")); err != nil {
		h.respondError(c, "shapes.delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetLock(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.shapes.SetLock(c.Request.Context(), c.Param("canvasId"), c.Param("shapeId"), claims.Subject); err != nil {
		h.respondError(c, "shapes.set_lock", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRefreshLock(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.shapes.RefreshLock(c.Request.Context(), c.Param("canvasId"), c.Param("shapeId"), claims.Subject); err != nil {
		h.respondError(c, "shapes.refresh_lock", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearLock(c *gin.Context) {
	if err := h.shapes.ClearLock(c.Request.Context(), c.Param("canvasId"), c.Param("shapeId")); err != nil {
		h.respondError(c, "shapes.clear_lock", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func documents(list []canvas.Shape) []canvas.Document {
	docs := make([]canvas.Document, 0, len(list))
	for _, shape := range list {
		docs = append(docs, canvas.ToDocument(shape))
	}
	return docs
}
