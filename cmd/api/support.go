package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/sculpture-forge/internal/auth"
)

const healthTimeout = 3 * time.Second

// handleHealth は Redis とワーカーの状態を返します。いずれかが異常なら 503 です。
func (a *app) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := gin.H{
		"api":       "healthy",
		"redis":     "healthy",
		"workers":   "healthy",
		"timestamp": time.Now().UTC(),
	}
	healthy := true

	if err := a.cache.Ping(ctx); err != nil {
		status["redis"] = "unhealthy: " + err.Error()
		healthy = false
	}
	servers, err := a.manager.WorkerServers()
	switch {
	case err != nil:
		status["workers"] = "unhealthy: " + err.Error()
		healthy = false
	case servers == 0:
		status["workers"] = "unhealthy: no active workers"
		healthy = false
	default:
		status["workerServers"] = servers
	}
	status["subscribers"] = a.broadcaster.Total()

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (a *app) handleCacheStats(c *gin.Context) {
	stats, err := a.cache.Stats(c.Request.Context())
	if err != nil {
		a.logger.Warn("cache stats incomplete", zap.Error(err))
	}
	c.JSON(http.StatusOK, stats)
}

// handleCacheClear は jobType クエリで指定した種別、未指定なら全種別のキャッシュを消します。
func (a *app) handleCacheClear(c *gin.Context) {
	jobType := c.Query("jobType")
	if jobType != "" {
		if _, ok := a.manager.Registry().Lookup(jobType); !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "未対応のジョブ種別です。",
			})
			return
		}
	}
	removed, err := a.cache.ClearAll(c.Request.Context(), jobType)
	if err != nil {
		a.respondWithError(c, err)
		return
	}
	a.logger.Info("cache cleared",
		zap.String("jobType", jobType),
		zap.Int("removed", removed),
		zap.String("by", c.GetString(auth.ContextUserKey)))
	c.JSON(http.StatusOK, gin.H{
		"removed": removed,
		"jobType": jobType,
	})
}

func (a *app) handleEvents(c *gin.Context) {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year < 2018 || year > 2030 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "year は 2018〜2030 で指定してください。",
		})
		return
	}
	events, err := a.sculptures.Events(c.Request.Context(), year)
	if err != nil {
		a.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (a *app) handleEventSessions(c *gin.Context) {
	year, yearErr := strconv.Atoi(c.Param("year"))
	round, roundErr := strconv.Atoi(c.Param("round"))
	if yearErr != nil || roundErr != nil || round < 1 || round > 25 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "year と round を正しく指定してください。",
		})
		return
	}
	sessions, err := a.sculptures.EventSessions(c.Request.Context(), year, round)
	if err != nil {
		a.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}
