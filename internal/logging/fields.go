package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 key/方法/路径/缓存状态字段，供代理请求与回写日志复用。
func RequestFields(cacheKey, method, path, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"cache_key":    cacheKey,
		"method":       method,
		"path":         path,
		"cache_status": cacheStatus,
	}
}
