// Package terms 提供字段与取值的归一化分词，用于相似度比较。
package terms

import (
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "that": true, "than": true, "per": true, "into": true,
	"has": true, "have": true, "been": true, "which": true, "who": true, "what": true,
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "none": true, "without": true,
	"cannot": true, "neither": true, "nor": true,
}

// Tokens 小写并按非字母数字切分，保留小数点
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '%'
	})
}

// Set 词集合
type Set map[string]struct{}

// KeyTerms 去停用词并做轻量词干化
func KeyTerms(s string) Set {
	out := make(Set)
	for _, tok := range Tokens(s) {
		tok = strings.Trim(tok, ".")
		if tok == "" || stopWords[tok] {
			continue
		}
		out[Stem(tok)] = struct{}{}
	}
	return out
}

// Stem 去掉常见英文后缀
func Stem(w string) string {
	if len(w) <= 4 || isNumeric(w) {
		return w
	}
	for _, suf := range []string{"ations", "ation", "ings", "ing", "ies", "ed", "s"} {
		if !strings.HasSuffix(w, suf) || len(w)-len(suf) < 3 {
			continue
		}
		if suf == "s" && strings.HasSuffix(w, "ss") {
			return w
		}
		base := strings.TrimSuffix(w, suf)
		if suf == "ies" {
			return base + "y"
		}
		return base
	}
	return w
}

func isNumeric(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) && r != '.' && r != '%' {
			return false
		}
	}
	return true
}

// Negated 文本是否包含否定词
func Negated(s string) bool {
	for _, tok := range Tokens(s) {
		if negations[strings.Trim(tok, ".")] {
			return true
		}
	}
	return false
}

// Jaccard 两个集合的 Jaccard 系数，均为空时视为相同
func Jaccard(a, b Set) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Sorted 按字典序返回集合元素
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Union 合并两个集合
func (s Set) Union(o Set) Set {
	out := make(Set, len(s)+len(o))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}
