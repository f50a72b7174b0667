package jobmanager

import (
	"regexp"
	"strings"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

var (
	nonAlnum        = regexp.MustCompile(`[^A-Za-z0-9]`)
	nonDigit        = regexp.MustCompile(`\D`)
	subjectPattern  = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	locationPattern = regexp.MustCompile(`^\d{5}$`)
)

// ParseSubjects 解析每行一個的商品代碼
//
// 去除非英數字元並轉為大寫，只保留 10 碼的代碼，其他行直接忽略。
func ParseSubjects(text string) []types.SubjectID {
	var out []types.SubjectID
	for _, line := range strings.Split(text, "\n") {
		s := strings.ToUpper(nonAlnum.ReplaceAllString(strings.TrimSpace(line), ""))
		if subjectPattern.MatchString(s) {
			out = append(out, types.SubjectID(s))
		}
	}
	return out
}

// ParseLocations 解析每行一個的位置代碼，只保留 5 位數字
func ParseLocations(text string) []types.LocationCode {
	var out []types.LocationCode
	for _, line := range strings.Split(text, "\n") {
		z := nonDigit.ReplaceAllString(strings.TrimSpace(line), "")
		if locationPattern.MatchString(z) {
			out = append(out, types.LocationCode(z))
		}
	}
	return out
}

// ClampDelay 套用最小間隔；非正值使用預設值
func ClampDelay(delay, minDelay, def int) int {
	if delay <= 0 {
		delay = def
	}
	if delay < minDelay {
		return minDelay
	}
	return delay
}
