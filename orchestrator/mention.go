package orchestrator

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/BaSui01/chatflow/types"
)

// ParseMentions 从触发文本中解析被点名的角色，返回 agent id 列表，
// 顺序与角色池一致，去重。匹配对大小写不敏感。
//
// 拉丁字母名字要求词边界（"Ann" 不会命中 "Anna"），
// CJK 等无空格书写的名字退化为子串匹配。
// "@名字" 形式视为显式点名。
func ParseMentions(text string, agents []types.Agent) []string {
	if text == "" || len(agents) == 0 {
		return nil
	}
	lower := strings.ToLower(text)

	var out []string
	seen := make(map[string]struct{}, len(agents))

	for _, a := range agents {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		for _, name := range a.KnownNames() {
			if name == "" {
				continue
			}
			if mentionMatches(text, lower, name) {
				out = append(out, a.ID)
				seen[a.ID] = struct{}{}
				break
			}
		}
	}
	return out
}

func mentionMatches(text, lowerText, name string) bool {
	lowerName := strings.ToLower(name)

	// @ 形式永远算点名
	if strings.Contains(lowerText, "@"+lowerName) {
		return true
	}

	if isASCIIWord(name) {
		pattern := `(?i)(^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(name) + `($|[^\p{L}\p{N}_])`
		matched, err := regexp.MatchString(pattern, text)
		return err == nil && matched
	}

	// 无词边界的文字（CJK 等）只能做子串匹配
	return strings.Contains(lowerText, lowerName)
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
