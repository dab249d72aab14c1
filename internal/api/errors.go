package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nebula/ptyhost/internal/terminal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var kindNames = map[error]string{
	terminal.ErrPtyOpen:           "pty_open",
	terminal.ErrSpawn:             "spawn",
	terminal.ErrHandleAcquisition: "handle_acquisition",
	terminal.ErrSessionNotFound:   "session_not_found",
	terminal.ErrWrite:             "write",
	terminal.ErrFlush:             "flush",
	terminal.ErrResize:            "resize",
}

// writeError maps err to a status code: unknown sessions are 404, every
// other failure is 500.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	if k := terminal.KindOf(err); k != nil {
		kind = kindNames[k]
		if k == terminal.ErrSessionNotFound {
			status = http.StatusNotFound
		}
	}

	c.Error(err)
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func badRequest(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
}
