package server

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/export"
)

func (h *httpHandler) handleExport(c *gin.Context) {
	canvasID := c.Param("canvasId")
	list, err := h.shapes.List(c.Request.Context(), canvasID)
	if err != nil {
		h.respondError(c, "canvas.export", err)
		return
	}
	var buffer bytes.Buffer
	if err := export.PDF(&buffer, canvasID, canvas.Nodes(list)); err != nil {
		h.respondError(c, "canvas.export", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", canvasID+".pdf"))
	c.Data(http.StatusOK, "application/pdf", buffer.Bytes())
}
