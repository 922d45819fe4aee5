package filestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"
)

func TestRoute_Build(t *testing.T) {
	tests := []struct {
		name     string
		route    Route
		expected string
	}{
		{
			name:     "query parameters",
			route:    Route{Path: "/download"},
			expected: "/download?bucket=temp&filename=a+b.txt",
		},
		{
			name:     "path placeholders",
			route:    Route{Path: "/files/{bucket}/{filename}"},
			expected: "/files/temp/a%20b.txt",
		},
		{
			name:     "extra params",
			route:    Route{Path: "/files/{bucket}/{filename}", Params: map[string]string{"v": "2"}},
			expected: "/files/temp/a%20b.txt?v=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.route.Build("temp", "a b.txt"))
		})
	}
}

func TestBaseURL_UnmarshalYAML(t *testing.T) {
	var plain struct {
		BaseURL BaseURL `yaml:"base_url"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("base_url: http://cdn.local/files\n"), &plain))
	assert.Equal(t, PlainURL("http://cdn.local/files"), plain.BaseURL)

	var routed struct {
		BaseURL BaseURL `yaml:"base_url"`
	}
	doc := "base_url:\n  path: /download/{bucket}/{filename}\n  params:\n    inline: \"1\"\n"
	require.NoError(t, yaml.Unmarshal([]byte(doc), &routed))
	require.NotNil(t, routed.BaseURL.Route)
	assert.Equal(t, "/download/{bucket}/{filename}", routed.BaseURL.Route.Path)
	assert.Equal(t, "1", routed.BaseURL.Route.Params["inline"])

	var bad struct {
		BaseURL BaseURL `yaml:"base_url"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("base_url: [a, b]\n"), &bad))
}

func TestBaseURL_IsZero(t *testing.T) {
	assert.True(t, BaseURL{}.IsZero())
	assert.False(t, PlainURL("/files").IsZero())
	assert.False(t, RouteURL("/download", nil).IsZero())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]OpenMode{"r": ModeRead, "rb": ModeRead, "w": ModeWrite, "wb": ModeWrite, "a": ModeAppend} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("r+")
	assert.Error(t, err)
}
