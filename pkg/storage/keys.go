package storage

import (
	"net/url"
	"path"
	"strings"
)

// ContentTypePNG is the content type of generated slide images.
const ContentTypePNG = "image/png"

// GeneratedImageKey is the object key for a slide's generated image.
func GeneratedImageKey(slideID string) string {
	return slideID + ".png"
}

// KeyFromReference derives an object key from a stored image reference,
// which may be a full public URL or a bare key.
func KeyFromReference(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		ref = u.Path
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	key := path.Base(ref)
	if key == "." || key == "/" {
		return ""
	}
	return key
}

// PublicURL joins the public storage domain and an object key.
func PublicURL(domain, key string) string {
	return strings.TrimRight(strings.TrimSpace(domain), "/") + "/" + strings.TrimLeft(key, "/")
}
