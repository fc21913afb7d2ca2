package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gridwatch/internal/debounce"
	"gridwatch/internal/devices"
)

var testAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testDevice() devices.Device {
	return devices.DefaultRegistry().At(0)
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	alert := CurrentSpike(testDevice(), testAt)

	if err := notifier.Notify(context.Background(), alert); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], TitleCurrentSpike) || !strings.Contains(received["text"], "SHIELD-001") {
		t.Fatalf("text 缺少告警内容: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), CurrentSpike(testDevice(), testAt)); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramSkipsInfo(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), SystemStarted(testAt)); err != nil {
		t.Fatalf("info 告警应被静默忽略: %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("info 告警不应推送到 Telegram")
	}
}

func TestAlertJSONShape(t *testing.T) {
	a := CurrentSpike(testDevice(), testAt)
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("反序列化失败: %v", err)
	}
	for _, key := range []string{"id", "title", "deviceId", "location", "coordinates", "severity", "type", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("缺少字段 %s: %s", key, b)
		}
	}
	coords, ok := raw["coordinates"].([]any)
	if !ok || len(coords) != 2 {
		t.Fatalf("coordinates 应为 [lat,lng]: %v", raw["coordinates"])
	}
	if raw["type"] != "current_spike" || raw["severity"] != "danger" {
		t.Fatalf("类型或级别不正确: %s", b)
	}
	if raw["timestamp"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("时间戳应为 ISO-8601: %v", raw["timestamp"])
	}

	b, _ = json.Marshal(SystemStarted(testAt))
	raw = nil
	_ = json.Unmarshal(b, &raw)
	if raw["type"] != nil || raw["coordinates"] != nil {
		t.Fatalf("系统告警的 type 与 coordinates 应为 null: %s", b)
	}
	if raw["deviceId"] != "System" || raw["location"] != "Control Room" {
		t.Fatalf("系统告警设备信息不正确: %s", b)
	}
}

func TestVoltageTierMapping(t *testing.T) {
	dev := testDevice()
	a, ok := VoltageTier(debounce.TierWarning, dev, testAt)
	if !ok || a.Severity != SeverityDanger || a.Title != TitleVoltageWarning || a.Type != TypeVoltage {
		t.Fatalf("warning 档映射错误: %+v", a)
	}
	a, ok = VoltageTier(debounce.TierModerate, dev, testAt)
	if !ok || a.Severity != SeverityWarning || a.Title != TitleVoltageModerate {
		t.Fatalf("moderate 档映射错误: %+v", a)
	}
	if _, ok := VoltageTier(debounce.TierNone, dev, testAt); ok {
		t.Fatal("none 档不应产生告警")
	}
	if a.ID == "" {
		t.Fatal("告警应有 id")
	}
}

func TestSummarize(t *testing.T) {
	dev := testDevice()
	alerts := []Alert{
		SystemStarted(testAt),
		CurrentSpike(dev, testAt),
		New(TitleVoltageModerate, SeverityWarning, TypeVoltage, dev, testAt),
		New(TitleVoltageWarning, SeverityDanger, TypeVoltage, dev, testAt),
	}
	r := Summarize(alerts)
	if r.Total != 4 || r.Warnings != 1 || r.Critical != 2 {
		t.Fatalf("统计错误: %+v", r)
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, a.ID)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestDispatcherFanOut(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{QueueSize: 8}, testLogger())
	good := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("sink down")}
	d.Subscribe(bad)
	d.Subscribe(good)
	d.Start(context.Background())

	for i := 0; i < 3; i++ {
		d.Publish(CurrentSpike(testDevice(), testAt))
	}
	d.Close()

	if good.count() != 3 || bad.count() != 3 {
		t.Fatalf("每个订阅者都应收到 3 条, good=%d bad=%d", good.count(), bad.count())
	}

	d.Publish(CurrentSpike(testDevice(), testAt))
	if good.count() != 3 {
		t.Fatal("关闭后的告警应被丢弃")
	}
	d.Close()
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{QueueSize: 2}, testLogger())
	rec := &recordingNotifier{}
	d.Subscribe(rec)

	// 未启动 worker，队列只能容纳 2 条。
	for i := 0; i < 5; i++ {
		d.Publish(CurrentSpike(testDevice(), testAt))
	}
	d.Start(context.Background())
	d.Close()

	if rec.count() != 2 {
		t.Fatalf("队列满时应丢弃多余告警, 实际投递 %d", rec.count())
	}
}

func TestLogNotifier(t *testing.T) {
	var buf strings.Builder
	n := NewLogNotifier(zerolog.New(&buf))
	if err := n.Notify(context.Background(), CurrentSpike(testDevice(), testAt)); err != nil {
		t.Fatalf("日志告警不应报错: %v", err)
	}
	if !strings.Contains(buf.String(), TitleCurrentSpike) || !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("日志内容不正确: %s", buf.String())
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestWriteCSV(t *testing.T) {
	alerts := []Alert{CurrentSpike(testDevice(), testAt), SystemStarted(testAt)}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, alerts); err != nil {
		t.Fatalf("导出 CSV 失败: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || lines[0] != "id,title,deviceId,location,lat,lng,severity,timestamp" {
		t.Fatalf("CSV 表头或行数错误: %q", buf.String())
	}
	if !strings.Contains(lines[1], ",11.271763,77.606255,danger,2024-05-01T12:00:00Z") {
		t.Fatalf("尖峰告警行错误: %s", lines[1])
	}
	if !strings.HasSuffix(lines[2], ",Control Room,,,info,2024-05-01T12:00:00Z") {
		t.Fatalf("系统告警应无坐标: %s", lines[2])
	}
}
