package tracker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_Match(t *testing.T) {
	list, err := Compile([]Definition{
		{Name: "first", Patterns: []Pattern{
			{Pattern: `^https://regex\.example/`, Type: PatternRegex},
			{Pattern: "exact.example", Type: PatternDomain},
		}},
		{Name: "second", Patterns: []Pattern{
			{Pattern: "*.glob.example/track/*", Type: PatternGlob},
			{Pattern: "exact.example", Type: PatternDomain},
		}},
		{Name: "third", Patterns: []Pattern{
			{Pattern: "*.wide.example", Type: PatternGlob},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, list.Len())

	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"domain exact", "https://exact.example/pixel.gif", "first"},
		{"domain case insensitive", "https://EXACT.example/x", "first"},
		{"subdomain is not exact", "https://sub.exact.example/x", ""},
		{"glob on host and path", "http://us1.glob.example/track/open?u=1", "second"},
		{"glob path mismatch", "http://us1.glob.example/other", ""},
		{"glob on host", "https://cdn.wide.example/img.png", "third"},
		{"regex", "https://regex.example/anything", "first"},
		{"protocol relative", "//exact.example/p.gif", "first"},
		{"no host", "/relative/path.png", ""},
		{"data uri", "data:image/png;base64,AAAA", ""},
		{"garbage", "::::", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, ok := list.Match(tt.url)
			if tt.expected == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.expected, def.Name)
		})
	}
}

func TestList_FirstMatchWins(t *testing.T) {
	list, err := Compile([]Definition{
		{Name: "a", Patterns: []Pattern{{Pattern: "*.example.com", Type: PatternGlob}}},
		{Name: "b", Patterns: []Pattern{{Pattern: "t.example.com", Type: PatternDomain}}},
	})
	require.NoError(t, err)

	def, ok := list.Match("https://t.example.com/open")
	require.True(t, ok)
	assert.Equal(t, "a", def.Name)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"missing name", Definition{Patterns: []Pattern{{Pattern: "a.com", Type: PatternDomain}}}},
		{"unknown type", Definition{Name: "x", Patterns: []Pattern{{Pattern: "a.com", Type: "prefix"}}}},
		{"bad regex", Definition{Name: "x", Patterns: []Pattern{{Pattern: "(", Type: PatternRegex}}}},
		{"bad glob", Definition{Name: "x", Patterns: []Pattern{{Pattern: "[", Type: PatternGlob}}}},
		{"empty domain", Definition{Name: "x", Patterns: []Pattern{{Pattern: " ", Type: PatternDomain}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]Definition{tt.def})
			assert.Error(t, err)
		})
	}
}

func TestLoad_Builtin(t *testing.T) {
	trackers, err := LoadTrackers("")
	require.NoError(t, err)
	assert.Greater(t, trackers.Len(), 0)

	def, ok := trackers.Match("https://mailtrack.io/trace/mail/abc.png")
	require.True(t, ok)
	assert.Equal(t, "Mailtrack", def.Name)

	_, ok = trackers.Match("https://cdn.example.com/logo.png")
	assert.False(t, ok)

	shorteners, err := LoadShorteners("")
	require.NoError(t, err)
	_, ok = shorteners.Match("https://bit.ly/3abcDEF")
	assert.True(t, ok)
	_, ok = shorteners.Match("https://example.com/article")
	assert.False(t, ok)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("YAML 文件", func(t *testing.T) {
		path := filepath.Join(dir, "trackers.yaml")
		content := `
- name: Custom
  url: https://custom.example
  patterns:
    - pattern: track.custom.example
      type: domain
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		list, err := LoadFile(path)
		require.NoError(t, err)
		def, ok := list.Match("https://track.custom.example/o.gif")
		require.True(t, ok)
		assert.Equal(t, "https://custom.example", def.URL)
	})

	t.Run("JSON 文件", func(t *testing.T) {
		path := filepath.Join(dir, "shorteners.json")
		content := `[{"name":"Short","patterns":[{"pattern":"s.example","type":"domain"}]}]`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		list, err := LoadShorteners(path)
		require.NoError(t, err)
		_, ok := list.Match("https://s.example/abc")
		assert.True(t, ok)
	})

	t.Run("不支持的格式", func(t *testing.T) {
		path := filepath.Join(dir, "trackers.txt")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		_, err := LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "missing.json"))
		assert.Error(t, err)
	})
}

func TestNilList(t *testing.T) {
	var list *List
	_, ok := list.Match("https://bit.ly/x")
	assert.False(t, ok)
	assert.Equal(t, 0, list.Len())
}
