package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.App.Name != "gridwatch" || cfg.App.Environment != "test" {
		t.Fatalf("app 配置错误: %+v", cfg.App)
	}
	if cfg.Pipeline.Capacity != 300 || cfg.Pipeline.DebounceDelay != 7*time.Second {
		t.Fatalf("pipeline 默认值错误: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Spike.MinInterval != 2500*time.Millisecond || cfg.Pipeline.Spike.Trigger != 2.0 {
		t.Fatalf("spike 默认值错误: %+v", cfg.Pipeline.Spike)
	}
	if cfg.Source.Mode != SourceSimulation || cfg.Source.ThrottleInterval != 3*time.Second || cfg.Source.GeneratorInterval != 500*time.Millisecond {
		t.Fatalf("source 默认值错误: %+v", cfg.Source)
	}
	if r := cfg.Database.Retention; r.MaxAge != 0 || r.Interval != time.Hour {
		t.Fatalf("retention 默认值错误: %+v", r)
	}
	if cfg.API.AlertHistory != 200 {
		t.Fatalf("api.alert_history 默认应为 200, 实际 %d", cfg.API.AlertHistory)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GRIDWATCH_PIPELINE_SPIKE_PRECEDENCE", "spike_suppresses_voltage")
	t.Setenv("GRIDWATCH_ALERTING_KAFKA_BROKERS", "k1:9092,k2:9092")
	cfg, err := Load(writeConfig(t, "alerting:\n  kafka:\n    enabled: true\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Pipeline.SpikePrecedence != "spike_suppresses_voltage" {
		t.Fatalf("环境变量未生效: %q", cfg.Pipeline.SpikePrecedence)
	}
	if len(cfg.Alerting.Kafka.Brokers) != 2 {
		t.Fatalf("逗号分隔的 brokers 应拆分为切片: %v", cfg.Alerting.Kafka.Brokers)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown precedence":  "pipeline:\n  spike_precedence: spike_first\n",
		"recovery > trigger":  "pipeline:\n  spike:\n    trigger: 1\n    recovery: 2\n",
		"mqtt without broker": "source:\n  mode: mqtt\n",
		"http without url":    "source:\n  mode: http\n",
		"unknown mode":        "source:\n  mode: serial\n",
		"telegram no token":   "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"bad selection":       "devices:\n  selection: nearest\n",
		"negative retention":  "database:\n  retention:\n    max_age: -1h\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: 应返回错误", name)
		}
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if cfg.ResolveMaxPoints(0) != 500 || cfg.ResolveMaxPoints(10) != 10 {
		t.Fatal("max points 解析错误")
	}
}
