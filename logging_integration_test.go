package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggingFallbackToStdout(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root 用户不受目录权限限制")
	}
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	clearConfigEnv(t)
	t.Setenv("LOG_FILE_PATH", filepath.Join(blocked, "sub", "cacheproxy.log"))
	configPath := writeConfigFile(t, `
[Upstream]
URL = "http://origin.local"

[Cache]
Backend = "memory"
TTL = "5m"
`)

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, checkOnly: true})
	if code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestCheckConfigWritesJSONLogToFile(t *testing.T) {
	clearConfigEnv(t)
	logPath := filepath.Join(t.TempDir(), "logs", "cacheproxy.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
[Log]
Level = "debug"
FilePath = "%s"

[Upstream]
URL = "http://origin.local"

[Cache]
Backend = "sqlite"
SQLitePath = "%s"
TTL = 120
`, logPath, filepath.Join(t.TempDir(), "cache.db")))

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, checkOnly: true}); code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("读取日志失败: %v", err)
	}
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(string(data)), "\n")[0])
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("日志应为 JSON: %v (%s)", err, line)
	}
	if entry["action"] != "check_config" || entry["backend"] != "sqlite" || entry["result"] != "ok" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
