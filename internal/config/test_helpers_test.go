package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// clearEnv 清空所有绑定的环境变量，避免宿主环境干扰用例。
// viper 默认把空值视为未设置。
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envBindings {
		t.Setenv(env, "")
	}
}

// setRequiredEnv 写入 valkey 后端启动所需的最小环境变量集合。
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROXY_URL", "http://origin.local")
	t.Setenv("PROXY_EXPIRY", "300")
	t.Setenv("REDIS_HOST", "127.0.0.1")
	t.Setenv("REDIS_PORT", "6379")
}
