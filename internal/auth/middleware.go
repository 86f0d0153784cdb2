package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RequireLogin は管理者セッションを検証するミドルウェアです。
// 発行から12時間、または30分操作がなければセッションを破棄します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, ok := session.Get(sessionKeyUser).(string)
		if !ok || user == "" {
			abortJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "ログインが必要です")
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		switch {
		case issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime:
			session.Clear()
			_ = session.Save()
			abortJSON(c, http.StatusUnauthorized, "SESSION_EXPIRED", "セッションの有効期限が切れました")
			return
		case lastActive.IsZero() || now.Sub(lastActive) > idleTimeout:
			session.Clear()
			_ = session.Save()
			abortJSON(c, http.StatusUnauthorized, "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください")
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		_ = session.Save()
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// VerifyCSRF は状態を変更するリクエストの X-CSRF-Token ヘッダーを検証します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			abortJSON(c, http.StatusForbidden, "CSRF_MISSING", "CSRF トークンが設定されていません")
			return
		}
		received := c.GetHeader(CSRFHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			abortJSON(c, http.StatusForbidden, "CSRF_INVALID", "CSRF トークンが一致しません")
			return
		}
		c.Next()
	}
}

func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	}
	return time.Time{}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
