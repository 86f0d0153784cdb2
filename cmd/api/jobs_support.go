package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/sculpture-forge/internal/jobs"
)

// submitHandler はリクエストを T として検証し、jobType のジョブを投入します。
func submitHandler[T any](a *app, jobType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params T
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "リクエストの形式が正しくありません。",
				"detail":  err.Error(),
			})
			return
		}

		sub, err := a.manager.Submit(c.Request.Context(), jobType, params)
		if err != nil {
			a.respondWithError(c, err)
			return
		}

		payload := gin.H{
			"taskId":    sub.JobID,
			"jobType":   sub.JobType,
			"status":    sub.State.WireStatus(),
			"cached":    sub.Cached,
			"createdAt": time.Now().UTC(),
		}
		if sub.Cached {
			payload["result"] = sub.Result
			c.JSON(http.StatusOK, payload)
			return
		}
		c.JSON(http.StatusAccepted, payload)
	}
}

func (a *app) handleTaskStatus(c *gin.Context) {
	jobID, ok := requireJobID(c)
	if !ok {
		return
	}

	record, err := a.manager.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		a.respondWithError(c, err)
		return
	}

	payload := gin.H{
		"taskId":    record.JobID,
		"jobType":   record.JobType,
		"status":    record.State.WireStatus(),
		"stage":     record.Progress.Stage,
		"progress":  record.Progress.Percent,
		"message":   record.Progress.Message,
		"updatedAt": record.UpdatedAt,
	}
	if len(record.Progress.Extra) > 0 {
		payload["extra"] = record.Progress.Extra
	}
	if record.CancelRequested {
		payload["cancelRequested"] = true
	}
	if record.State == jobs.StateSucceeded && len(record.Result) > 0 {
		payload["result"] = record.Result
	}
	if record.Error != nil {
		payload["error"] = record.Error.Message
		payload["code"] = record.Error.Code
	}
	c.JSON(http.StatusOK, payload)
}

func (a *app) handleTaskResult(c *gin.Context) {
	jobID, ok := requireJobID(c)
	if !ok {
		return
	}

	result, err := a.manager.GetResult(c.Request.Context(), jobID)
	if err != nil {
		a.respondWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result)
}

func (a *app) handleTaskHistory(c *gin.Context) {
	jobID, ok := requireJobID(c)
	if !ok {
		return
	}

	history, err := a.manager.History(c.Request.Context(), jobID)
	if err != nil {
		a.respondWithError(c, err)
		return
	}
	entries := make([]gin.H, 0, len(history))
	for _, snap := range history {
		entry := gin.H{
			"status":   snap.State.WireStatus(),
			"stage":    snap.Progress.Stage,
			"progress": snap.Progress.Percent,
			"message":  snap.Progress.Message,
			"at":       snap.At,
		}
		if snap.Error != nil {
			entry["code"] = snap.Error.Code
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, gin.H{
		"taskId":  jobID,
		"history": entries,
	})
}

func (a *app) handleTaskCancel(c *gin.Context) {
	jobID, ok := requireJobID(c)
	if !ok {
		return
	}

	ack := a.manager.Cancel(c.Request.Context(), jobID)
	payload := gin.H{
		"taskId":    ack.JobID,
		"requested": ack.Requested,
		"message":   ack.Message,
	}
	if ack.State != "" {
		payload["status"] = ack.State.WireStatus()
	}
	c.JSON(http.StatusOK, payload)
}

func requireJobID(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    jobs.CodeInvalidInput,
			"message": "taskId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

// respondWithError はジョブ関連のエラーを HTTP レスポンスに変換します。
func (a *app) respondWithError(c *gin.Context, err error) {
	var (
		apiErr   *jobs.Error
		notReady *jobs.NotReadyError
	)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    jobs.CodeJobNotFound,
			"message": "指定されたジョブは存在しません。",
		})
	case errors.As(err, &notReady):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "NOT_READY",
			"message": notReady.Hint(),
			"status":  notReady.State.WireStatus(),
		})
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	default:
		a.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "処理中にエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case jobs.CodeInvalidInput:
		return http.StatusBadRequest
	case jobs.CodeJobNotFound, jobs.CodeDataNotFound:
		return http.StatusNotFound
	case jobs.CodeEnqueueFailed:
		return http.StatusServiceUnavailable
	case jobs.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
