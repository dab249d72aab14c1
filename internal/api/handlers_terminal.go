package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nebula/ptyhost/internal/config"
	"github.com/nebula/ptyhost/internal/process"
	"github.com/nebula/ptyhost/internal/storage"
	"github.com/nebula/ptyhost/internal/terminal"
	"go.uber.org/zap"
)

// Client message types handled on the event socket.
const (
	MessageWrite  = "terminal_write"
	MessageResize = "terminal_resize"
)

const defaultHistoryLimit = 50

// ProcessInspector describes the processes of a session.
type ProcessInspector interface {
	Get(pid int32) (process.ProcessInfo, error)
	Foreground(pid int32) (process.ProcessInfo, error)
}

// HistoryStore lists persisted session records.
type HistoryStore interface {
	ListSessions(limit int) ([]storage.SessionRecord, error)
}

// TerminalHandler handles terminal endpoints and client socket messages
type TerminalHandler struct {
	manager   *terminal.Manager
	processes ProcessInspector
	history   HistoryStore
	config    *config.Manager
	log       *zap.Logger
}

// NewTerminalHandler creates a new terminal handler. processes, history and
// cfg may be nil.
func NewTerminalHandler(manager *terminal.Manager, processes ProcessInspector, history HistoryStore, cfg *config.Manager, log *zap.Logger) *TerminalHandler {
	return &TerminalHandler{
		manager:   manager,
		processes: processes,
		history:   history,
		config:    cfg,
		log:       log,
	}
}

// CreateSessionRequest is the body of a spawn request.
type CreateSessionRequest struct {
	Cwd   string `json:"cwd"`
	Shell string `json:"shell"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

// WriteRequest is the body of a write request.
type WriteRequest struct {
	SessionID uint32 `json:"session_id,omitempty"`
	Data      string `json:"data"`
}

// ResizeRequest is the body of a resize request.
type ResizeRequest struct {
	SessionID uint32 `json:"session_id,omitempty"`
	Cols      uint16 `json:"cols" binding:"required"`
	Rows      uint16 `json:"rows" binding:"required"`
}

// DefaultShellRequest is the body of a default shell update.
type DefaultShellRequest struct {
	Shell string `json:"shell"`
}

// SessionDetails is a session snapshot with the state of its shell.
type SessionDetails struct {
	terminal.SessionInfo
	Process    *process.ProcessInfo `json:"process,omitempty"`
	Foreground *process.ProcessInfo `json:"foreground,omitempty"`
}

// GetShells godoc
// @Summary Get the default shell
// @Description Returns the shell a new session runs when none is requested
// @Tags terminal
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/v1/terminal/shells [get]
func (h *TerminalHandler) GetShells(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"default_shell":  h.manager.GetDefaultShell(),
		"platform_shell": terminal.DefaultShell(),
	})
}

// SetDefaultShell godoc
// @Summary Set the default shell
// @Description Sets the shell used by later sessions and persists it when storage is available. An empty shell restores the platform default.
// @Tags terminal
// @Accept json
// @Produce json
// @Param request body DefaultShellRequest true "Shell"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/terminal/default-shell [put]
func (h *TerminalHandler) SetDefaultShell(c *gin.Context) {
	var req DefaultShellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	persisted := false
	if h.config != nil {
		err := h.config.SetDefaultShell(req.Shell)
		switch {
		case err == nil:
			persisted = true
		case errors.Is(err, config.ErrNoStorage):
			h.log.Debug("default shell not persisted", zap.Error(err))
		default:
			writeError(c, err)
			return
		}
	}
	h.manager.SetDefaultShell(req.Shell)

	c.JSON(http.StatusOK, gin.H{
		"default_shell": h.manager.GetDefaultShell(),
		"persisted":     persisted,
	})
}

// CreateSession godoc
// @Summary Spawn a shell session
// @Description Starts a shell on a new pseudo-terminal. Output arrives as terminal_output events.
// @Tags terminal
// @Accept json
// @Produce json
// @Param request body CreateSessionRequest false "Spawn options"
// @Success 201 {object} map[string]uint32
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/terminal/sessions [post]
func (h *TerminalHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	id, err := h.manager.Spawn(terminal.SpawnOptions{
		Dir:   req.Cwd,
		Shell: req.Shell,
		Cols:  req.Cols,
		Rows:  req.Rows,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

// GetSessions godoc
// @Summary List sessions
// @Description Returns every registered terminal session ordered by id
// @Tags terminal
// @Produce json
// @Success 200 {array} terminal.SessionInfo
// @Router /api/v1/terminal/sessions [get]
func (h *TerminalHandler) GetSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.List())
}

// GetSession godoc
// @Summary Get a session
// @Description Returns one session with the state of its shell process
// @Tags terminal
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} SessionDetails
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/terminal/sessions/{id} [get]
func (h *TerminalHandler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	info, err := h.manager.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}

	details := SessionDetails{SessionInfo: info}
	if h.processes != nil && !info.Exited {
		if p, err := h.processes.Get(int32(info.PID)); err == nil {
			details.Process = &p
		}
		if fg, err := h.processes.Foreground(int32(info.PID)); err == nil && fg.PID != int32(info.PID) {
			details.Foreground = &fg
		}
	}
	c.JSON(http.StatusOK, details)
}

// GetScrollback godoc
// @Summary Get recent output
// @Description Returns the buffered tail of a session's output for replay
// @Tags terminal
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} terminal.Output
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/terminal/sessions/{id}/scrollback [get]
func (h *TerminalHandler) GetScrollback(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	data, err := h.manager.Scrollback(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, terminal.Output{SessionID: id, Data: data})
}

// Write godoc
// @Summary Write to a session
// @Description Sends input to the session's shell
// @Tags terminal
// @Accept json
// @Param id path int true "Session ID"
// @Param request body WriteRequest true "Input"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/terminal/sessions/{id}/write [post]
func (h *TerminalHandler) Write(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.manager.Write(id, []byte(req.Data)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resize godoc
// @Summary Resize a session
// @Description Changes the terminal size in character cells
// @Tags terminal
// @Accept json
// @Param id path int true "Session ID"
// @Param request body ResizeRequest true "Size"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/terminal/sessions/{id}/resize [post]
func (h *TerminalHandler) Resize(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.manager.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Kill godoc
// @Summary Kill a session
// @Description Closes the session's terminal. Unknown ids succeed.
// @Tags terminal
// @Param id path int true "Session ID"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/terminal/sessions/{id} [delete]
func (h *TerminalHandler) Kill(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if err := h.manager.Kill(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetHistory godoc
// @Summary List past sessions
// @Description Returns persisted session records, newest first
// @Tags terminal
// @Produce json
// @Param limit query int false "Maximum records" default(50)
// @Success 200 {array} storage.SessionRecord
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/terminal/history [get]
func (h *TerminalHandler) GetHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}

	if h.history == nil {
		c.JSON(http.StatusOK, []storage.SessionRecord{})
		return
	}

	records, err := h.history.ListSessions(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []storage.SessionRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// HandleMessage executes a write or resize sent on the event socket.
func (h *TerminalHandler) HandleMessage(msgType string, payload json.RawMessage) error {
	switch msgType {
	case MessageWrite:
		var req WriteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msgType, err)
		}
		return h.manager.Write(req.SessionID, []byte(req.Data))

	case MessageResize:
		var req ResizeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msgType, err)
		}
		if req.Cols == 0 || req.Rows == 0 {
			return errors.New("cols and rows must be positive")
		}
		return h.manager.Resize(req.SessionID, req.Cols, req.Rows)

	default:
		h.log.Debug("ignoring client message", zap.String("type", msgType))
		return fmt.Errorf("unknown message type %q", msgType)
	}
}

func sessionID(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid session id %q", c.Param("id")))
		return 0, false
	}
	return uint32(id), true
}
