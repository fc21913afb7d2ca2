package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gridwatch/internal/alerting"
	"gridwatch/internal/devices"
	"gridwatch/internal/monitor"
	"gridwatch/internal/pipeline"
	"gridwatch/internal/source"
	"gridwatch/internal/telemetry"
)

type fakeMonitor struct {
	proc    *pipeline.Processor
	adapter *source.Adapter
	now     time.Time
	running bool
	resets  int
}

func (m *fakeMonitor) Start(context.Context) error {
	if m.running {
		return monitor.ErrRunning
	}
	m.running = true
	return nil
}

func (m *fakeMonitor) Stop()  { m.running = false }
func (m *fakeMonitor) Reset() { m.resets++ }

func (m *fakeMonitor) Status() source.Status {
	if m.running {
		return source.StatusSimulation
	}
	return source.StatusStopped
}

func (m *fakeMonitor) Processor() *pipeline.Processor { return m.proc }

func (m *fakeMonitor) HandlePayload(_ context.Context, p source.Payload) (source.Outcome, error) {
	if !m.running {
		return source.NoData, monitor.ErrStopped
	}
	r, outcome := m.adapter.Accept(p, m.now)
	if outcome == source.Accepted {
		m.proc.PushReading(r)
	}
	return outcome, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeMonitor, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mon := &fakeMonitor{
		proc:    pipeline.New(pipeline.Options{}, zerolog.Nop()),
		adapter: source.NewAdapter(source.AdapterOptions{ThrottleInterval: source.DefaultThrottleInterval}, zerolog.Nop()),
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	hub := NewHub(3, zerolog.Nop())
	r := NewRouter(Deps{Monitor: mon, Hub: hub, Registry: devices.DefaultRegistry()}, zerolog.Nop())
	return r, mon, hub
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func doRequest(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestLiveEndpoint(t *testing.T) {
	r, mon, _ := newTestRouter(t)
	mon.running = true
	mon.proc.PushReading(telemetry.NewReading(250, 1.2, time.Now()))

	w := doRequest(r, http.MethodGet, "/api/live")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码应为 200, 实际 %d", w.Code)
	}
	var body struct {
		Status      string          `json:"status"`
		Health      string          `json:"health"`
		HealthLabel string          `json:"health_label"`
		Voltage     telemetry.Stats `json:"voltage"`
		Last        *struct {
			Voltage float64 `json:"voltage"`
		} `json:"last"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Status != "simulation" || body.HealthLabel != "SERVICE SOON" {
		t.Fatalf("实时状态错误: %+v", body)
	}
	if body.Voltage.Count != 1 || body.Last == nil || body.Last.Voltage != 250 {
		t.Fatalf("快照内容错误: %s", w.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	r, mon, _ := newTestRouter(t)
	mon.proc.PushReading(telemetry.NewReading(230, 1.0, time.Now()))
	mon.proc.PushReading(telemetry.NewReading(232, 1.4, time.Now()))

	w := doRequest(r, http.MethodGet, "/api/stats/current")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码应为 200, 实际 %d", w.Code)
	}
	var body statsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Stats.Count != 2 || body.Stats.Max != 1.4 || len(body.Values) != 2 {
		t.Fatalf("电流统计错误: %+v", body)
	}

	if w := doRequest(r, http.MethodGet, "/api/stats/frequency"); w.Code != http.StatusBadRequest {
		t.Fatalf("未知量应返回 400, 实际 %d", w.Code)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/api/devices")
	var list []devices.Device
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(list) != 4 || list[0].ID != "SHIELD-001" || list[0].Coordinates == nil {
		t.Fatalf("设备列表错误: %s", w.Body.String())
	}
}

func TestAlertsHistoryAndReport(t *testing.T) {
	r, _, hub := newTestRouter(t)
	dev := devices.DefaultRegistry().At(1)
	now := time.Now()
	_ = hub.Notify(context.Background(), alerting.SystemStarted(now))
	_ = hub.Notify(context.Background(), alerting.CurrentSpike(dev, now))
	_ = hub.Notify(context.Background(), alerting.New(alerting.TitleVoltageModerate, alerting.SeverityWarning, alerting.TypeVoltage, dev, now))
	_ = hub.Notify(context.Background(), alerting.CurrentSpike(dev, now))

	w := doRequest(r, http.MethodGet, "/api/alerts?limit=2")
	var list []alerting.Alert
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(list) != 2 || list[0].Type != alerting.TypeCurrentSpike || list[1].Type != alerting.TypeVoltage {
		t.Fatalf("告警应按时间倒序返回: %+v", list)
	}

	w = doRequest(r, http.MethodGet, "/api/alerts/report")
	var rep alerting.Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	// 只保留最近 3 条, 最早的系统告警已被淘汰。
	if rep.Total != 3 || rep.Warnings != 1 || rep.Critical != 2 {
		t.Fatalf("报表统计错误: %+v", rep)
	}

	w = doRequest(r, http.MethodGet, "/api/alerts/export")
	if got := strings.Count(w.Body.String(), "\n"); got != 4 || !strings.HasPrefix(w.Body.String(), "id,title,deviceId") {
		t.Fatalf("CSV 导出错误: %q", w.Body.String())
	}

	if w := doRequest(r, http.MethodGet, "/api/alerts?limit=abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("非法 limit 应返回 400, 实际 %d", w.Code)
	}
}

func TestMonitorControl(t *testing.T) {
	r, mon, _ := newTestRouter(t)
	if w := doRequest(r, http.MethodPost, "/api/monitor/start"); w.Code != http.StatusOK {
		t.Fatalf("启动应返回 200, 实际 %d", w.Code)
	}
	if w := doRequest(r, http.MethodPost, "/api/monitor/start"); w.Code != http.StatusConflict {
		t.Fatalf("重复启动应返回 409, 实际 %d", w.Code)
	}
	doRequest(r, http.MethodPost, "/api/monitor/reset")
	if mon.resets != 1 {
		t.Fatal("reset 未生效")
	}
	w := doRequest(r, http.MethodPost, "/api/monitor/stop")
	if !strings.Contains(w.Body.String(), "stopped") || mon.running {
		t.Fatalf("停止失败: %s", w.Body.String())
	}
}

func TestWebsocketReceivesHistoryAndAlerts(t *testing.T) {
	r, _, hub := newTestRouter(t)
	_ = hub.Notify(context.Background(), alerting.SystemStarted(time.Now()))

	srv := httptest.NewServer(r)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 websocket 失败: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first struct {
		Type    string           `json:"type"`
		Payload []alerting.Alert `json:"payload"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("读取历史消息失败: %v", err)
	}
	if first.Type != "history" || len(first.Payload) != 1 {
		t.Fatalf("首条消息应为历史告警: %+v", first)
	}

	spike := alerting.CurrentSpike(devices.DefaultRegistry().At(0), time.Now())
	_ = hub.Notify(context.Background(), spike)

	var next struct {
		Type    string         `json:"type"`
		Payload alerting.Alert `json:"payload"`
	}
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("读取告警消息失败: %v", err)
	}
	if next.Type != "alert" || next.Payload.ID != spike.ID {
		t.Fatalf("推送的告警不正确: %+v", next)
	}
}

func TestHealthEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if w := doRequest(r, http.MethodGet, "/health"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"go_version"`) {
		t.Fatalf("健康检查失败: %d %s", w.Code, w.Body.String())
	}
}

func TestIngestThrottlesSecondPost(t *testing.T) {
	r, mon, _ := newTestRouter(t)
	mon.running = true

	w := postJSON(r, "/api/ingest", `{"deviceId":"SHIELD-002","voltage":231.5,"current":1.2}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("首次上报应返回 202, 实际 %d: %s", w.Code, w.Body.String())
	}
	w = postJSON(r, "/api/ingest", `{"deviceId":"SHIELD-002","voltage":232,"current":1.3}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("限流间隔内的上报应返回 429, 实际 %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "throttled") {
		t.Fatalf("响应应标明 throttled: %s", w.Body.String())
	}

	s := mon.proc.Snapshot()
	if s.Processed != 1 || s.Last == nil || s.Last.Voltage != 231.5 {
		t.Fatalf("只有首条读数应进入处理器: %+v", s)
	}
}

func TestIngestRejectsBadRequests(t *testing.T) {
	r, mon, _ := newTestRouter(t)

	if w := postJSON(r, "/api/ingest", `{"voltage":230}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("监控未启动时应返回 503, 实际 %d", w.Code)
	}
	mon.running = true

	cases := []struct {
		name string
		body string
		code int
	}{
		{"非法 JSON", `{"voltage":`, http.StatusBadRequest},
		{"空负载", `null`, http.StatusBadRequest},
		{"未知设备", `{"deviceId":"SHIELD-999","voltage":230}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		if w := postJSON(r, "/api/ingest", tc.body); w.Code != tc.code {
			t.Fatalf("%s: 状态码应为 %d, 实际 %d", tc.name, tc.code, w.Code)
		}
	}
	if mon.proc.Snapshot().Processed != 0 {
		t.Fatal("被拒绝的上报不应进入处理器")
	}
}
