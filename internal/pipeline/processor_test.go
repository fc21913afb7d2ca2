package pipeline

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gridwatch/internal/alerting"
	"gridwatch/internal/debounce"
	"gridwatch/internal/health"
	"gridwatch/internal/source"
	"gridwatch/internal/telemetry"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Set(d time.Duration) { c.now = t0.Add(d) }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type collector struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (c *collector) Publish(a alerting.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *collector) count(typ alerting.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.alerts {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func (c *collector) all() []alerting.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]alerting.Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

func newTestProcessor(prec Precedence) (*Processor, *fakeClock, *collector) {
	clock := &fakeClock{now: t0}
	col := &collector{}
	p := New(Options{Precedence: prec, Publisher: col, Clock: clock.Now}, zerolog.Nop())
	return p, clock, col
}

func reading(v, c float64) telemetry.Reading {
	return telemetry.NewReading(v, c, t0)
}

// 负载 {voltage:{voltage:5}, current:{current:250}} 连续 3 次，每次间隔 7 秒。
func runScenario(t *testing.T, prec Precedence) (*Processor, *collector) {
	t.Helper()
	p, clock, col := newTestProcessor(prec)
	adapter := source.NewAdapter(source.AdapterOptions{ThrottleInterval: source.DefaultThrottleInterval, Rand: rand.New(rand.NewSource(1))}, zerolog.Nop())

	payload, err := source.DecodePayload([]byte(`{"voltage":{"voltage":5},"current":{"current":250}}`))
	if err != nil {
		t.Fatalf("解析负载失败: %v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Set(time.Duration(i) * 7 * time.Second)
		r, out := adapter.Accept(payload, clock.Now())
		if out != source.Accepted {
			t.Fatalf("第 %d 次更新应被接受, 实际 %s", i+1, out)
		}
		if r.Voltage != 5 || r.CurrentOrZero() != 250 {
			t.Fatalf("嵌套负载解析错误: %+v", r)
		}
		p.PushReading(r)
	}
	return p, col
}

func TestScenarioIndependentPaths(t *testing.T) {
	p, col := runScenario(t, PrecedenceIndependent)
	if n := col.count(alerting.TypeCurrentSpike); n != 1 {
		t.Fatalf("应恰好产生 1 条电流尖峰告警, 实际 %d", n)
	}
	// 电压 5V 持续超限: 第 2、3 次采样时各触发一次。
	if n := col.count(alerting.TypeVoltage); n != 2 {
		t.Fatalf("独立模式下应产生 2 条电压告警, 实际 %d", n)
	}
	first := col.all()[0]
	if first.Type != alerting.TypeCurrentSpike || first.Severity != alerting.SeverityDanger {
		t.Fatalf("首条告警应为尖峰告警: %+v", first)
	}
	if !p.Snapshot().Pending.Active() {
		t.Fatal("电压仍超限, 应有待触发告警")
	}
}

func TestScenarioSpikeSuppressesVoltage(t *testing.T) {
	p, col := runScenario(t, PrecedenceSpikeSuppressesVoltage)
	if n := col.count(alerting.TypeCurrentSpike); n != 1 {
		t.Fatalf("应恰好产生 1 条电流尖峰告警, 实际 %d", n)
	}
	if n := col.count(alerting.TypeVoltage); n != 0 {
		t.Fatalf("尖峰优先模式下不应产生电压告警, 实际 %d", n)
	}
	if p.Snapshot().Pending.Active() {
		t.Fatal("尖峰优先模式下不应安排电压告警")
	}
	if p.Health() != health.ServiceRequired {
		t.Fatalf("健康状态仍应反映最新电压, 实际 %s", p.Health())
	}
}

func TestShortDeviationEmitsNothing(t *testing.T) {
	p, clock, col := newTestProcessor(PrecedenceIndependent)
	for ms := 0; ms < 6000; ms += 500 {
		clock.Set(time.Duration(ms) * time.Millisecond)
		p.PushReading(reading(250, 1.2))
	}
	clock.Set(6500 * time.Millisecond)
	p.PushReading(reading(230, 1.2))
	clock.Set(20 * time.Second)
	p.Advance(clock.Now())

	if len(col.all()) != 0 {
		t.Fatalf("短暂偏差不应告警, 实际 %d 条", len(col.all()))
	}
}

func TestSustainedDeviationFiresOnce(t *testing.T) {
	p, clock, col := newTestProcessor(PrecedenceIndependent)
	p.PushReading(reading(250, 1.2))

	clock.Set(6999 * time.Millisecond)
	p.Advance(clock.Now())
	if len(col.all()) != 0 {
		t.Fatal("未满 7 秒不应告警")
	}

	clock.Set(7 * time.Second)
	p.Advance(clock.Now())
	p.Advance(clock.Now())
	alerts := col.all()
	if len(alerts) != 1 {
		t.Fatalf("满 7 秒应恰好告警一次, 实际 %d", len(alerts))
	}
	if alerts[0].Severity != alerting.SeverityWarning || alerts[0].Title != alerting.TitleVoltageModerate {
		t.Fatalf("moderate 档应映射为 warning: %+v", alerts[0])
	}
}

func TestTierChangeRestartsTimer(t *testing.T) {
	p, clock, col := newTestProcessor(PrecedenceIndependent)
	p.PushReading(reading(250, 1.2)) // moderate
	clock.Set(5 * time.Second)
	p.PushReading(reading(270, 1.2)) // warning, 重新计时
	clock.Set(8 * time.Second)
	p.Advance(clock.Now())
	if len(col.all()) != 0 {
		t.Fatal("档位变化后应重新计时")
	}
	clock.Set(12 * time.Second)
	p.Advance(clock.Now())
	alerts := col.all()
	if len(alerts) != 1 || alerts[0].Title != alerting.TitleVoltageWarning || alerts[0].Severity != alerting.SeverityDanger {
		t.Fatalf("应产生一条 warning 档告警: %+v", alerts)
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func TestRealTimerPathIgnoresStaleTimers(t *testing.T) {
	clock := &fakeClock{now: t0}
	col := &collector{}
	var timers []*fakeTimer
	p := New(Options{
		Publisher: col,
		Clock:     clock.Now,
		Timers: func(d time.Duration, f func()) Timer {
			ft := &fakeTimer{d: d, f: f}
			timers = append(timers, ft)
			return ft
		},
	}, zerolog.Nop())

	p.PushReading(reading(250, 1.2))
	clock.Advance(time.Second)
	p.PushReading(reading(270, 1.2))

	if len(timers) != 2 {
		t.Fatalf("应创建 2 个定时器, 实际 %d", len(timers))
	}
	if !timers[0].stopped {
		t.Fatal("旧定时器应被停止")
	}
	if timers[1].d != debounce.DefaultDelay {
		t.Fatalf("定时器延迟应为 7s, 实际 %s", timers[1].d)
	}

	timers[0].f()
	if len(col.all()) != 0 {
		t.Fatal("过期定时器回调不应产生告警")
	}
	clock.Advance(debounce.DefaultDelay)
	timers[1].f()
	timers[1].f()
	if len(col.all()) != 1 {
		t.Fatalf("当前定时器应恰好触发一次, 实际 %d", len(col.all()))
	}

	p.PushReading(reading(230, 1.2))
	if p.Snapshot().Pending.Active() {
		t.Fatal("恢复正常后不应有待触发告警")
	}
}

func TestResetClearsState(t *testing.T) {
	p, clock, col := newTestProcessor(PrecedenceIndependent)
	p.PushReading(reading(270, 3.0))
	clock.Advance(time.Second)
	p.PushReading(reading(271, 3.1))

	p.Reset()
	s := p.Snapshot()
	if !s.Voltage.Empty() || !s.Current.Empty() || s.Last != nil {
		t.Fatalf("重置后窗口应为空: %+v", s)
	}
	if s.Spike.Active || s.Pending.Active() || s.Health != health.Normal {
		t.Fatalf("重置后状态应回到初始: %+v", s)
	}

	clock.Advance(time.Minute)
	p.Advance(clock.Now())
	if n := col.count(alerting.TypeVoltage); n != 0 {
		t.Fatalf("重置后不应触发旧的电压告警, 实际 %d", n)
	}

	p.Reset()
	p.PushReading(reading(230, 2.5))
	if n := col.count(alerting.TypeCurrentSpike); n != 2 {
		t.Fatalf("重置后应可再次检测尖峰, 实际 %d", n)
	}
}

func TestStatsAndMissingCurrent(t *testing.T) {
	p, _, _ := newTestProcessor(PrecedenceIndependent)
	if !p.Stats(telemetry.Voltage).Empty() {
		t.Fatal("初始统计应为空")
	}
	p.PushReading(reading(220, 1.0))
	p.PushReading(reading(240, 1.4))
	p.PushReading(telemetry.Reading{Voltage: 230, Timestamp: t0})

	v := p.Stats(telemetry.Voltage)
	if v.Count != 3 || v.Min != 220 || v.Max != 240 || v.Avg != 230 {
		t.Fatalf("电压统计错误: %+v", v)
	}
	c := p.Stats(telemetry.Current)
	if c.Count != 2 {
		t.Fatalf("缺少电流的读数不应进入电流窗口: %+v", c)
	}
	if got := p.Values(telemetry.Voltage); len(got) != 3 || got[0] != 220 {
		t.Fatalf("窗口顺序错误: %v", got)
	}
}

func TestSpikeAlertsRotateDevices(t *testing.T) {
	p, clock, col := newTestProcessor(PrecedenceIndependent)
	for i := 0; i < 2; i++ {
		p.PushReading(reading(230, 3.0))
		clock.Advance(time.Second)
		p.PushReading(reading(230, 1.0))
		clock.Advance(3 * time.Second)
	}
	alerts := col.all()
	if len(alerts) != 2 {
		t.Fatalf("应产生 2 条尖峰告警, 实际 %d", len(alerts))
	}
	if alerts[0].DeviceID == alerts[1].DeviceID {
		t.Fatal("轮询策略下告警应分配到不同设备")
	}
	if alerts[0].Coordinates == nil {
		t.Fatal("默认设备应带坐标")
	}
}

func TestParsePrecedence(t *testing.T) {
	if p, err := ParsePrecedence(""); err != nil || p != PrecedenceIndependent {
		t.Fatalf("默认应为 independent: %v %v", p, err)
	}
	if _, err := ParsePrecedence("spike_first"); err == nil {
		t.Fatal("未知策略应报错")
	}
}

func TestSystemStartedAlert(t *testing.T) {
	p, _, col := newTestProcessor(PrecedenceIndependent)
	p.EmitSystemStarted()
	alerts := col.all()
	if len(alerts) != 1 || alerts[0].Severity != alerting.SeverityInfo || alerts[0].DeviceID != "System" {
		t.Fatalf("启动告警不正确: %+v", alerts)
	}
}
