package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leptonai/gpu-user-exporter/pkg/poller"
)

const (
	urlPathV1    = "/v1"
	urlPathUsers = "/users"

	URLPathUsers = urlPathV1 + urlPathUsers
)

// SnapshotSource provides the result of the last poll cycles.
type SnapshotSource interface {
	Last() *poller.Snapshot
	LastError() (time.Time, error)
}

// Users is the response of the users endpoint.
type Users struct {
	*poller.Snapshot

	// LastError is set when the most recent cycle failed,
	// in which case the snapshot is from an earlier cycle.
	LastError     string     `json:"last_error,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
}

func createUsersHandler(src SnapshotSource) func(ctx *gin.Context) {
	return func(c *gin.Context) {
		resp := Users{Snapshot: src.Last()}
		if ts, err := src.LastError(); err != nil {
			resp.LastError = err.Error()
			resp.LastErrorTime = &ts
		}

		if resp.Snapshot == nil {
			msg := "no successful poll cycle yet"
			if resp.LastError != "" {
				msg += ": " + resp.LastError
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": msg})
			return
		}
		respond(c, http.StatusOK, resp)
	}
}
