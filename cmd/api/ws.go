package main

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourusername/sculpture-forge/internal/jobs"
	"github.com/yourusername/sculpture-forge/internal/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 32
)

var (
	errClientClosed = errors.New("websocket client closed")
	errClientSlow   = errors.New("websocket client is not keeping up")
)

// wsClient は1本の WebSocket 接続を購読者ハンドルとして扱います。
// 書き込みは writeLoop だけが行い、Send はバッファに積むだけです。
type wsClient struct {
	conn      *websocket.Conn
	send      chan progress.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan progress.Event, wsSendBuffer),
		done: make(chan struct{}),
	}
}

// Send はイベントを送信キューに積みます。キューが溢れた場合は失敗を返し、
// 配信側で購読から外されます。
func (w *wsClient) Send(ev progress.Event) error {
	select {
	case <-w.done:
		return errClientClosed
	default:
	}
	select {
	case w.send <- ev:
		return nil
	case <-w.done:
		return errClientClosed
	default:
		return errClientSlow
	}
}

func (w *wsClient) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

// readLoop はクライアントからのメッセージを読み捨て、切断を検知します。
func (w *wsClient) readLoop(pongWait time.Duration) {
	defer w.close()
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop は終端イベントを1件送るか、接続が切れるまで送信を続けます。
func (w *wsClient) writeLoop(pingEvery time.Duration) {
	defer w.close()
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	lastPercent := 0
	for {
		select {
		case ev := <-w.send:
			// 接続直後のスナップショットとライブ配信が前後した場合の巻き戻りを捨てる
			if ev.Type == progress.EventProgress {
				if ev.Progress < lastPercent {
					continue
				}
				lastPercent = ev.Progress
			}
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type.Terminal() {
				_ = w.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"),
					time.Now().Add(wsWriteWait))
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (a *app) upgrader() *websocket.Upgrader {
	allowed := splitOrigins(a.cfg.CORSAllowedOrigins)
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			u, err := url.Parse(origin)
			if err == nil && strings.EqualFold(u.Host, r.Host) {
				return true
			}
			for _, o := range allowed {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// handleTaskSocket はジョブのライブチャネルです。
// connected を送ってから購読を登録し、その後ストアの現在状態を読みます。
// 既に終端状態なら保存済みの内容から終端イベントを送って閉じます。
func (a *app) handleTaskSocket(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	conn, err := a.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(conn)
	_ = client.Send(progress.Event{
		Type:    progress.EventConnected,
		JobID:   jobID,
		Message: "connected",
	})
	a.broadcaster.Subscribe(jobID, client)
	defer a.broadcaster.Unsubscribe(jobID, client)

	record, err := a.manager.GetStatus(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		_ = client.Send(progress.Event{
			Type:  progress.EventError,
			JobID: jobID,
			Error: "指定されたジョブは存在しません",
			Code:  jobs.CodeJobNotFound,
		})
	case err != nil:
		a.logger.Warn("failed to read job for websocket", zap.String("jobId", jobID), zap.Error(err))
		_ = client.Send(progress.Event{
			Type:  progress.EventError,
			JobID: jobID,
			Error: "ジョブ情報の取得に失敗しました",
			Code:  "INTERNAL_ERROR",
		})
	default:
		_ = client.Send(snapshotEvent(record))
	}

	heartbeat := time.Duration(a.cfg.WSHeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	go client.readLoop(heartbeat * 10 / 9)
	client.writeLoop(heartbeat)
}

// snapshotEvent はストアの現在状態を接続直後に送るイベントに変換します。
func snapshotEvent(record *jobs.Record) progress.Event {
	ev := progress.Event{
		JobID:    record.JobID,
		Stage:    record.Progress.Stage,
		Progress: record.Progress.Percent,
		Message:  record.Progress.Message,
		Extra:    record.Progress.Extra,
	}
	switch record.State {
	case jobs.StateSucceeded:
		ev.Type = progress.EventSuccess
		ev.Result = record.Result
	case jobs.StateFailed, jobs.StateCancelled:
		ev.Type = progress.EventError
		if record.Error != nil {
			ev.Error = record.Error.Message
			ev.Code = record.Error.Code
		}
	default:
		ev.Type = progress.EventProgress
	}
	return ev
}
