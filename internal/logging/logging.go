// Package logging は zap ベースのロガーと gin 用のアクセスログを提供します。
package logging

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const TimeFormat = "2006-01-02 15:04:05.999"

// AtomicLevel を変更すると実行中のロガーのレベルも変わります。
var AtomicLevel = zap.NewAtomicLevel()

// New はコンソール形式の zap ロガーを作成します。
func New(level string) (*zap.Logger, error) {
	if level != "" {
		if err := AtomicLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.Level = AtomicLevel
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(TimeFormat)
	config.DisableStacktrace = true
	config.Sampling = nil
	return config.Build()
}

// SetLevel はログレベルを実行時に変更します。
func SetLevel(level string) error {
	return AtomicLevel.UnmarshalText([]byte(level))
}

// GinMiddleware はリクエストごとのアクセスログを出力します。
func GinMiddleware(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.WithOptions(zap.AddCallerSkip(1))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		statusCode := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("code", statusCode),
			zap.Duration("latency", latency),
		}

		if len(c.Errors) != 0 {
			logger.Error(c.Errors.String(), fields...)
			return
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Error(http.StatusText(statusCode), fields...)
			return
		}
		if statusCode >= http.StatusBadRequest {
			logger.Warn(http.StatusText(statusCode), fields...)
			return
		}
		logger.Debug(http.StatusText(statusCode), fields...)
	}
}
