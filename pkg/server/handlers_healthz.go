package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"sigs.k8s.io/yaml"

	"github.com/leptonai/gpu-user-exporter/version"
)

const URLPathHealthz = "/healthz"

type Healthz struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

var DefaultHealthz = Healthz{
	Status:  "ok",
	Version: version.Version,
}

// healthz reports the process is serving, regardless of the poll cycle results
func createHealthzHandler() func(ctx *gin.Context) {
	return func(c *gin.Context) {
		respond(c, http.StatusOK, DefaultHealthz)
	}
}

// respond writes YAML when requested with "Content-Type: application/yaml", JSON otherwise
func respond(c *gin.Context, code int, obj any) {
	if c.GetHeader("Content-Type") == "application/yaml" {
		yb, err := yaml.Marshal(obj)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "failed to marshal " + err.Error()})
			return
		}
		c.String(code, string(yb))
		return
	}

	if c.GetHeader("json-indent") == "true" {
		c.IndentedJSON(code, obj)
	} else {
		c.JSON(code, obj)
	}
}
