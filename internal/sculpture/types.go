// Package sculpture はテレメトリから G フォース・スカルプチャを生成するジョブを提供します。
package sculpture

import "fmt"

// ジョブ種別
const (
	JobTypeSculpture       = "sculpture"
	JobTypeCompare         = "compare"
	JobTypeSessionMetadata = "session_metadata"
)

// 進捗ステージ
const (
	StageLoadingSession      = "loading_session"
	StageExtractingTelemetry = "extracting_telemetry"
	StageProcessingSculpture = "processing_sculpture"
)

// SessionParams はセッションを特定するパラメータです。
type SessionParams struct {
	Year    int    `json:"year" binding:"required,min=2018,max=2030"`
	Round   int    `json:"round" binding:"required,min=1,max=25"`
	Session string `json:"session" binding:"required,oneof=FP1 FP2 FP3 Q R S SS SQ"`
}

// Key はワーカー内でセッションを使い回すためのキーです。
func (p SessionParams) Key() string {
	return fmt.Sprintf("%d/%d/%s", p.Year, p.Round, p.Session)
}

// SculptureParams は1ドライバーのスカルプチャ生成パラメータです。
type SculptureParams struct {
	SessionParams
	Driver string `json:"driver" binding:"required,len=3"`
}

// CompareParams は複数ドライバー比較のパラメータです。
type CompareParams struct {
	SessionParams
	Drivers []string `json:"drivers" binding:"required,min=2,max=5,dive,len=3"`
}

// Session は読み込み済みのセッション情報です。
type Session struct {
	Year        int    `json:"year"`
	Round       int    `json:"round"`
	Code        string `json:"code"`
	EventName   string `json:"eventName"`
	SessionName string `json:"sessionName"`
	Date        string `json:"date"`
}

// LapInfo は最速ラップの情報です。
type LapInfo struct {
	Abbreviation string `json:"abbreviation"`
	LapTime      string `json:"lapTime"`
	Compound     string `json:"compound,omitempty"`
}

// DriverMetadata はセッション参加ドライバーの情報です。
type DriverMetadata struct {
	Abbreviation string `json:"abbreviation"`
	Number       string `json:"number"`
	FullName     string `json:"fullName"`
	TeamName     string `json:"teamName"`
	TeamColor    string `json:"teamColor"`
}

// EventInfo はシーズン内のイベント情報です。
type EventInfo struct {
	Round    int    `json:"round"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Country  string `json:"country"`
	Date     string `json:"date"`
}

// SessionInfo はイベント内のセッション情報です。
type SessionInfo struct {
	Name     string `json:"name"`
	FullName string `json:"fullName"`
	Date     string `json:"date"`
}

// EventSessions はイベントと開催セッションの一覧です。
type EventSessions struct {
	EventName string        `json:"eventName"`
	Sessions  []SessionInfo `json:"sessions"`
}

// Telemetry は1ラップ分のテレメトリです。各チャネルは同じ長さです。
type Telemetry struct {
	X        []float64 `json:"x"`
	Y        []float64 `json:"y"`
	Speed    []float64 `json:"speed"`    // km/h
	Distance []float64 `json:"distance"` // m
	Throttle []float64 `json:"throttle,omitempty"`
	Brake    []float64 `json:"brake,omitempty"`
}

// Len はサンプル数です。
func (t *Telemetry) Len() int {
	return len(t.X)
}

func (t *Telemetry) validate() error {
	n := len(t.X)
	if n < 2 {
		return fmt.Errorf("telemetry has %d samples", n)
	}
	if len(t.Y) != n || len(t.Speed) != n || len(t.Distance) != n {
		return fmt.Errorf("telemetry channels have different lengths")
	}
	return nil
}

// Vertex はスカルプチャの頂点です。
type Vertex struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Distance float64 `json:"distance"`
	Speed    float64 `json:"speed"`
	GForce   float64 `json:"gForce"`
	LongG    float64 `json:"longG"`
	LatG     float64 `json:"latG"`
}

// Color は頂点の RGB（0〜1）です。
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// Metadata はスカルプチャの統計値です。
type Metadata struct {
	MaxGForce     float64 `json:"maxGForce"`
	AvgGForce     float64 `json:"avgGForce"`
	MaxSpeed      float64 `json:"maxSpeed"`
	TotalDistance float64 `json:"totalDistance"`
}

// Sculpture は生成結果です。
type Sculpture struct {
	Vertices   []Vertex `json:"vertices"`
	Colors     []Color  `json:"colors"`
	Metadata   Metadata `json:"metadata"`
	Driver     *LapInfo `json:"driver,omitempty"`
	DriverCode string   `json:"driverCode,omitempty"`
}

// SessionMetadata はセッションメタデータジョブの結果です。
type SessionMetadata struct {
	EventName    string           `json:"eventName"`
	SessionName  string           `json:"sessionName"`
	SessionDate  string           `json:"sessionDate"`
	Drivers      []DriverMetadata `json:"drivers"`
	TotalDrivers int              `json:"totalDrivers"`
}
