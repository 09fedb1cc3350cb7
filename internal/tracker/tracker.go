// Package tracker 加载并匹配追踪器与短链接服务的定义列表。
//
// 定义文件是一个条目数组，每个条目有名称、可选的官网地址和一组
// {pattern, type} 规则，type 取 domain、glob 或 regex。匹配按列表顺序
// 先到先得；同一条目内按 domain → glob → regex 的优先级检查。
package tracker

import (
	"embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

//go:embed data/*.json
var defaults embed.FS

// PatternType 规则类型
type PatternType string

const (
	PatternDomain PatternType = "domain"
	PatternGlob   PatternType = "glob"
	PatternRegex  PatternType = "regex"
)

func (t PatternType) priority() int {
	switch t {
	case PatternDomain:
		return 0
	case PatternGlob:
		return 1
	default:
		return 2
	}
}

// Pattern 单条匹配规则
type Pattern struct {
	Pattern string      `json:"pattern" yaml:"pattern"`
	Type    PatternType `json:"type" yaml:"type"`
}

// Definition 一个追踪器（或短链接服务）的定义
type Definition struct {
	Name     string    `json:"name" yaml:"name"`
	URL      string    `json:"url,omitempty" yaml:"url,omitempty"`
	Patterns []Pattern `json:"patterns" yaml:"patterns"`
}

type matcher struct {
	typ    PatternType
	domain string
	glob   glob.Glob
	re     *regexp.Regexp
}

func (m matcher) match(u *url.URL, raw string) bool {
	host := strings.ToLower(u.Hostname())
	switch m.typ {
	case PatternDomain:
		return host == m.domain
	case PatternGlob:
		return m.glob.Match(host) || m.glob.Match(host+u.EscapedPath())
	default:
		return m.re.MatchString(raw)
	}
}

type entry struct {
	def      Definition
	matchers []matcher
}

// List 编译后的定义列表，构建后只读，可并发使用
type List struct {
	entries []entry
}

// Compile 编译定义列表，任何一条规则非法都返回错误
func Compile(defs []Definition) (*List, error) {
	list := &List{entries: make([]entry, 0, len(defs))}

	for i, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("definition %d: name is required", i)
		}

		e := entry{def: def, matchers: make([]matcher, 0, len(def.Patterns))}
		for _, p := range def.Patterns {
			m, err := compilePattern(p)
			if err != nil {
				return nil, fmt.Errorf("definition %q: %w", def.Name, err)
			}
			e.matchers = append(e.matchers, m)
		}
		sort.SliceStable(e.matchers, func(a, b int) bool {
			return e.matchers[a].typ.priority() < e.matchers[b].typ.priority()
		})
		list.entries = append(list.entries, e)
	}
	return list, nil
}

func compilePattern(p Pattern) (matcher, error) {
	switch p.Type {
	case PatternDomain:
		d := strings.ToLower(strings.TrimSpace(p.Pattern))
		if d == "" {
			return matcher{}, fmt.Errorf("empty domain pattern")
		}
		return matcher{typ: PatternDomain, domain: d}, nil
	case PatternGlob:
		g, err := glob.Compile(strings.ToLower(p.Pattern))
		if err != nil {
			return matcher{}, fmt.Errorf("invalid glob %q: %w", p.Pattern, err)
		}
		return matcher{typ: PatternGlob, glob: g}, nil
	case PatternRegex:
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return matcher{}, fmt.Errorf("invalid regex %q: %w", p.Pattern, err)
		}
		return matcher{typ: PatternRegex, re: re}, nil
	default:
		return matcher{}, fmt.Errorf("unknown pattern type %q", p.Type)
	}
}

// Match 返回第一个匹配 rawURL 的定义。无法解析或没有主机名的 URL 不匹配。
func (l *List) Match(rawURL string) (*Definition, bool) {
	if l == nil {
		return nil, false
	}

	raw := strings.TrimSpace(rawURL)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}

	for i := range l.entries {
		for _, m := range l.entries[i].matchers {
			if m.match(u, raw) {
				return &l.entries[i].def, true
			}
		}
	}
	return nil, false
}

// Len 定义条目数
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Parse 解析定义文件内容，format 为 "json" 或 "yaml"
func Parse(data []byte, format string) ([]Definition, error) {
	var defs []Definition
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("parse json definitions: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("parse yaml definitions: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}
	return defs, nil
}

// LoadFile 从文件加载并编译定义列表，格式由扩展名决定
func LoadFile(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	defs, err := Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, err
	}
	return Compile(defs)
}

// Load 加载定义文件，path 为空时使用内置列表
func Load(path, builtin string) (*List, error) {
	if path != "" {
		return LoadFile(path)
	}

	data, err := defaults.ReadFile("data/" + builtin + ".json")
	if err != nil {
		return nil, fmt.Errorf("read builtin definitions %q: %w", builtin, err)
	}
	defs, err := Parse(data, "json")
	if err != nil {
		return nil, err
	}
	return Compile(defs)
}

// 内置列表名称
const (
	BuiltinTrackers   = "trackers"
	BuiltinShorteners = "shorteners"
)

// LoadTrackers 加载追踪器列表
func LoadTrackers(path string) (*List, error) {
	return Load(path, BuiltinTrackers)
}

// LoadShorteners 加载短链接服务列表
func LoadShorteners(path string) (*List, error) {
	return Load(path, BuiltinShorteners)
}
