package domain

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

const initialVersion = "v0.0.1"

// NextVersion 在已有版本中找出最大的 semver，返回其 patch+1。
// 无法解析为 semver 的版本被忽略；一个都没有时返回 v0.0.1。
// 若最大版本带 "v" 前缀，结果也保留前缀。
func NextVersion(existing []string) string {
	var (
		latest   *semver.Version
		prefixed bool
	)
	for _, raw := range existing {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
			prefixed = strings.HasPrefix(raw, "v")
		}
	}
	if latest == nil {
		return initialVersion
	}
	next := latest.IncPatch()
	if prefixed {
		return "v" + next.String()
	}
	return next.String()
}
