package cmd

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/luma/beacon/internal/meta"
	"github.com/luma/beacon/transport"
)

const maxBroadcastBody = 1 << 20

type broadcastResponse struct {
	Total   int               `json:"total"`
	Success int               `json:"success"`
	Failure int               `json:"failure"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

// adminRoutes exposes the session registry to operators.
func adminRoutes(r *gin.Engine, manager *transport.Manager) {
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, meta.GetInfo())
	})

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"count":       manager.Len(),
			"sessions":    manager.IDs(),
			"subscribers": len(manager.Select(transport.Subscribed)),
		})
	})

	// POST /broadcast?ids=1,2 sends the raw body to the listed sessions, or
	// to every subscriber.
	r.POST("/broadcast", func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBroadcastBody+1))
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		if len(body) > maxBroadcastBody {
			c.String(http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		if len(body) == 0 {
			c.String(http.StatusBadRequest, "empty message")
			return
		}

		targets, err := parseIDs(c.Query("ids"))
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		if len(targets) == 0 {
			targets = manager.Select(transport.Subscribed)
		}

		resp := broadcastResponse{Errors: map[string]string{}}
		if len(targets) > 0 {
			result := manager.Broadcast(body, targets...)

			resp.Total, resp.Success, resp.Failure = result.Total, result.Success, result.Failure
			for id, err := range result.Errors {
				resp.Errors[strconv.FormatUint(id, 10)] = err.Error()
			}
		}

		c.JSON(http.StatusOK, resp)
	})
}

func parseIDs(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))

	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}
