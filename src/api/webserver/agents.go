package webserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stake-plus/agentexec/src/agents"
	agentcore "github.com/stake-plus/agentexec/src/agents/core"
)

type Agents struct {
	rt *agents.Runtime
}

func NewAgents(rt *agents.Runtime) Agents {
	return Agents{rt: rt}
}

func (h Agents) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.rt.Manager.Describe()})
}

func (h Agents) Get(c *gin.Context) {
	inst, err := h.rt.Manager.Agent(c.Param("name"))
	if err != nil {
		agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": inst.Describe(), "diagnostics": inst.Diagnose()})
}

// Start runs under the runtime context so the agent outlives the request.
func (h Agents) Start(c *gin.Context) {
	started, err := h.rt.Manager.StartAgent(h.rt.Context(), c.Param("name"))
	if err != nil {
		agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}

func (h Agents) Stop(c *gin.Context) {
	res, err := h.rt.Manager.StopAgent(c.Param("name"))
	if err != nil {
		agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h Agents) Restart(c *gin.Context) {
	res, err := h.rt.Manager.Restart(h.rt.Context(), c.Param("name"))
	if err != nil {
		agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// Run takes a flat string map as the argument set. An empty body runs with
// no arguments.
func (h Agents) Run(c *gin.Context) {
	args := map[string]string{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
			return
		}
	}
	res, err := h.rt.Manager.Run(c.Request.Context(), c.Param("name"), args)
	if err != nil {
		agentError(c, err)
		return
	}
	status := http.StatusOK
	if res.Err() != "" {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"result": res})
}

func agentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agentcore.ErrUnknownAgent):
		c.JSON(http.StatusNotFound, gin.H{"err": err.Error()})
	case errors.Is(err, agentcore.ErrNotStartable):
		c.JSON(http.StatusConflict, gin.H{"err": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
	}
}
