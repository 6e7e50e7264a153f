package proxy

import "strings"

// DefaultKeyPrefix 是缓存键的默认命名空间前缀。
const DefaultKeyPrefix = "cache:"

// CacheKey 由前缀、解码后的路径与原始查询串组成，形如 "cache:/a/b?x=1"。
// "?" 始终存在，查询串不做排序或归一化，参数顺序不同即为不同条目。
func CacheKey(prefix, path, rawQuery string) string {
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	b.Grow(len(prefix) + len(path) + 1 + len(rawQuery))
	b.WriteString(prefix)
	b.WriteString(path)
	b.WriteByte('?')
	b.WriteString(rawQuery)
	return b.String()
}
