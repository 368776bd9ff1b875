package webserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/stake-plus/agentexec/src/agents"
	"github.com/stake-plus/agentexec/src/registry"
)

type Registry struct {
	rt     *agents.Runtime
	policy *bluemonday.Policy
}

func NewRegistry(rt *agents.Runtime) Registry {
	return Registry{rt: rt, policy: bluemonday.StrictPolicy()}
}

func (h Registry) Get(c *gin.Context) {
	doc, version, err := h.rt.Store.Read()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	invalid := make([]string, 0, len(doc.Invalid))
	for _, e := range doc.Invalid {
		invalid = append(invalid, e.Error())
	}
	c.JSON(http.StatusOK, gin.H{
		"path":    h.rt.Store.Path(),
		"version": version.String(),
		"shape":   doc.Shape.String(),
		"agents":  doc.Agents,
		"invalid": invalid,
	})
}

type upsertRequest struct {
	registry.Descriptor
	// IfVersion makes the write conditional on the file being unchanged.
	IfVersion string `json:"if_version"`
}

// Upsert writes one descriptor. When the registry watcher is off the new
// descriptor is loaded straight away.
func (h Registry) Upsert(c *gin.Context) {
	var req upsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	req.Desc = strings.TrimSpace(h.policy.Sanitize(req.Desc))
	desc, err := registry.Prepare(req.Descriptor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	apply := func(doc *registry.Document) error {
		doc.Upsert(desc)
		return nil
	}
	var version registry.Version
	if req.IfVersion != "" {
		expected, perr := registry.ParseVersion(req.IfVersion)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": perr.Error()})
			return
		}
		version, err = h.rt.Store.UpdateIfVersion(c.Request.Context(), expected, apply)
	} else {
		version, err = h.rt.Store.Update(c.Request.Context(), apply)
	}
	switch {
	case errors.Is(err, registry.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"err": err.Error()})
		return
	case errors.Is(err, registry.ErrLocked):
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}

	h.rt.Publish("registry.updated", "api", map[string]any{
		"name":     desc.Name,
		"category": desc.Category,
		"version":  version.String(),
	})
	out := gin.H{"descriptor": desc, "version": version.String()}
	if !h.rt.Config.WatchRegistry {
		out["added"] = h.rt.Reload(h.rt.Context())
	}
	c.JSON(http.StatusOK, out)
}
