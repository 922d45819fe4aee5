package filestore

import (
	"net/url"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/filestorage/internal/errs"
)

// Route describes a routed download URL. Path may contain the "{bucket}"
// and "{filename}" placeholders; when it does not, both values are passed
// as query parameters instead.
type Route struct {
	Path   string            `yaml:"path"`
	Params map[string]string `yaml:"params"`
}

// BaseURL is either a plain URL prefix or a route descriptor.
// The zero value means "not configured".
type BaseURL struct {
	URL   string
	Route *Route
}

// PlainURL returns a BaseURL for a fixed prefix such as "http://cdn.local/files".
func PlainURL(u string) BaseURL {
	return BaseURL{URL: u}
}

// RouteURL returns a BaseURL that produces routed download links.
func RouteURL(path string, params map[string]string) BaseURL {
	return BaseURL{Route: &Route{Path: path, Params: params}}
}

// IsZero reports whether no base URL is configured.
func (u BaseURL) IsZero() bool {
	return u.URL == "" && u.Route == nil
}

// UnmarshalYAML accepts either a scalar URL or a {path, params} mapping.
func (u *BaseURL) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*u = BaseURL{URL: node.Value}
		return nil
	case yaml.MappingNode:
		var r Route
		if err := node.Decode(&r); err != nil {
			return err
		}
		*u = BaseURL{Route: &r}
		return nil
	default:
		return errs.New(errs.ErrKindInvalidArgument, "base_url must be a string or a route mapping")
	}
}

// MarshalYAML mirrors UnmarshalYAML.
func (u BaseURL) MarshalYAML() (any, error) {
	if u.Route != nil {
		return u.Route, nil
	}
	return u.URL, nil
}

// Build produces the routed URL for fileName in bucket.
func (r *Route) Build(bucket, fileName string) string {
	p := r.Path
	query := url.Values{}
	for k, v := range r.Params {
		query.Set(k, v)
	}

	if strings.Contains(p, "{bucket}") {
		p = strings.ReplaceAll(p, "{bucket}", url.PathEscape(bucket))
	} else {
		query.Set("bucket", bucket)
	}
	if strings.Contains(p, "{filename}") {
		p = strings.ReplaceAll(p, "{filename}", escapePath(fileName))
	} else {
		query.Set("filename", fileName)
	}

	if len(query) == 0 {
		return p
	}
	return p + "?" + query.Encode()
}

// escapePath escapes every segment of a slash separated path.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
