package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/link"
	"github.com/KevinKickass/OpenTestStand/internal/types"
)

type SetValveRequest struct {
	Open *bool `json:"open" binding:"required"`
}

type SetMotorRequest struct {
	Angle *int `json:"angle" binding:"required"`
}

type SendCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

type StartSequenceRequest struct {
	Confirmed bool `json:"confirmed"`
}

// ConnectRequest overrides the configured endpoint. Empty fields fall back to
// the serial section of the configuration.
type ConnectRequest struct {
	Transport string `json:"transport"`
	Port      string `json:"port"`
	Address   string `json:"address"`
	BaudRate  int    `json:"baud_rate"`
}

// GET /api/v1/snapshot
func (s *Server) getSnapshot(c *gin.Context) {
	snap, err := s.lm.Engine().Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read stand state", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /api/v1/telemetry/history
func (s *Server) getHistory(c *gin.Context) {
	frames, err := s.lm.Engine().History(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read telemetry history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"frames": frames,
		"count":  len(frames),
	})
}

// GET /api/v1/log
func (s *Server) getLog(c *gin.Context) {
	entries := s.lm.Engine().Log()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	c.JSON(http.StatusOK, gin.H{"entries": lines})
}

// GET /api/v1/valves
func (s *Server) listValves(c *gin.Context) {
	snap, err := s.lm.Engine().Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read valves", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valves": snap.Valves})
}

// PUT /api/v1/valves/:id
func (s *Server) setValve(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		badRequest(c, "Invalid valve id", err)
		return
	}

	var req SetValveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := s.lm.Engine().SetValve(c.Request.Context(), id, *req.Open); err != nil {
		respondError(c, "Valve command failed", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Valve command sent",
		"id":      id,
		"open":    *req.Open,
	})
}

// GET /api/v1/motors
func (s *Server) listMotors(c *gin.Context) {
	snap, err := s.lm.Engine().Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read motors", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"motors": snap.Motors})
}

// PUT /api/v1/motors/:name
func (s *Server) setMotorAngle(c *gin.Context) {
	var req SetMotorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	name := c.Param("name")
	if err := s.lm.Engine().SetMotorAngle(c.Request.Context(), name, *req.Angle); err != nil {
		respondError(c, "Motor command failed", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Motor command sent",
		"name":    name,
	})
}

// POST /api/v1/commands
func (s *Server) sendCommand(c *gin.Context) {
	var req SendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := s.lm.Engine().SendCommand(c.Request.Context(), req.Command); err != nil {
		respondError(c, "Command rejected", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Command sent",
		"command": req.Command,
	})
}

// GET /api/v1/sequences
func (s *Server) listSequences(c *gin.Context) {
	defs := s.lm.Engine().Sequences()
	c.JSON(http.StatusOK, gin.H{
		"sequences": defs,
		"count":     len(defs),
	})
}

// POST /api/v1/sequences/:name/start
func (s *Server) startSequence(c *gin.Context) {
	var req StartSequenceRequest
	// body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	name := c.Param("name")
	run, err := s.lm.Engine().StartSequence(c.Request.Context(), name, req.Confirmed)
	if err != nil {
		respondError(c, "Sequence not started", err)
		return
	}

	principal, _ := authPrincipal(c)
	s.logger.Info("Sequence started via API",
		zap.String("sequence", run.Name),
		zap.String("run_id", run.ID.String()),
		zap.String("principal", principal))

	c.JSON(http.StatusAccepted, run)
}

// POST /api/v1/estop
func (s *Server) emergencyStop(c *gin.Context) {
	s.lm.Engine().EmergencyStop("api")
	c.JSON(http.StatusAccepted, gin.H{"message": "Emergency stop requested"})
}

// GET /api/v1/recording
func (s *Server) getRecording(c *gin.Context) {
	snap, err := s.lm.Engine().Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read recording state", err)
		return
	}
	c.JSON(http.StatusOK, snap.Recording)
}

// POST /api/v1/recording/start
func (s *Server) startRecording(c *gin.Context) {
	path, err := s.lm.Engine().StartRecording(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to start recording", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "path": path})
}

// POST /api/v1/recording/stop
func (s *Server) stopRecording(c *gin.Context) {
	if err := s.lm.Engine().StopRecording(c.Request.Context()); err != nil {
		respondError(c, "Failed to stop recording", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": false})
}

// GET /api/v1/connection
func (s *Server) getConnection(c *gin.Context) {
	snap, err := s.lm.Engine().Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read connection state", err)
		return
	}
	c.JSON(http.StatusOK, snap.Link)
}

// POST /api/v1/connection/connect
func (s *Server) connect(c *gin.Context) {
	var req ConnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	target := s.target(req)
	if err := target.Validate(); err != nil {
		badRequest(c, "Invalid connection target", err)
		return
	}

	if err := s.lm.Engine().Connect(c.Request.Context(), target); err != nil {
		if errors.Is(err, link.ErrAlreadyConnected) {
			respondError(c, "Already connected", err)
			return
		}
		c.JSON(http.StatusBadGateway, types.NewErrorResponse(types.CodeLinkFailed, "Failed to connect", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Connected",
		"endpoint": target.String(),
	})
}

// POST /api/v1/connection/disconnect
func (s *Server) disconnect(c *gin.Context) {
	if err := s.lm.Engine().Disconnect(c.Request.Context()); err != nil {
		respondError(c, "Disconnect failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Disconnected"})
}

// GET /api/v1/ports
func (s *Server) listPorts(c *gin.Context) {
	ports, err := s.lm.Engine().ListPorts()
	if err != nil {
		respondError(c, "Failed to enumerate ports", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

func (s *Server) target(req ConnectRequest) link.Target {
	t := s.lm.Config().Serial.Target()
	if req.Transport != "" {
		t.Transport = req.Transport
	}
	if req.Port != "" {
		t.Port = req.Port
	}
	if req.Address != "" {
		t.Address = req.Address
	}
	if req.BaudRate > 0 {
		t.BaudRate = req.BaudRate
	}
	return t
}
