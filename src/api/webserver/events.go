package webserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stake-plus/agentexec/src/agents"
	"github.com/stake-plus/agentexec/src/bus"
)

type Events struct {
	rt *agents.Runtime
}

func NewEvents(rt *agents.Runtime) Events {
	return Events{rt: rt}
}

// Emit publishes an operator event. The source is the token subject.
func (h Events) Emit(c *gin.Context) {
	var req struct {
		Type string         `json:"type" binding:"required"`
		Data map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	source := "api"
	if sub := c.GetString("sub"); sub != "" {
		source = "api:" + sub
	}
	ev, err := h.rt.Publish(req.Type, source, req.Data)
	switch {
	case errors.Is(err, bus.ErrBusFull), errors.Is(err, bus.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"event": ev})
	}
}

func (h Events) Bus(c *gin.Context) {
	sinks := []gin.H{}
	for _, s := range h.rt.Sinks() {
		entry := gin.H{"name": s.Name()}
		if st, ok := s.(interface{ State() string }); ok {
			entry["state"] = st.State()
		}
		sinks = append(sinks, entry)
	}
	c.JSON(http.StatusOK, gin.H{"stats": h.rt.Bus.Stats(), "sinks": sinks})
}
