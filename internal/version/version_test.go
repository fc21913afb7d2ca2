package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetIncludesRuntime(t *testing.T) {
	old := Version
	Version = "1.4.0"
	defer func() { Version = old }()

	info := Get()
	if info.Version != "1.4.0" || info.GoVersion != runtime.Version() {
		t.Fatalf("构建信息错误: %+v", info)
	}
	if !strings.HasPrefix(info.String(), "gridwatch 1.4.0 (commit ") {
		t.Fatalf("版本字符串错误: %s", info.String())
	}
}
