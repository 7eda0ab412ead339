package utils

import (
	"math"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail checks the local@domain.tld shape.
func ValidEmail(s string) bool {
	return emailRe.MatchString(strings.TrimSpace(s))
}

func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func GetUUID() string {
	return uuid.NewString()
}

// ShortID is the first eight hex characters of a UUID, upper-cased.
func ShortID(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) > 8 {
		clean = clean[:8]
	}
	return strings.ToUpper(clean)
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases s and joins its alphanumeric runs with hyphens.
func Slugify(s string) string {
	slug := slugUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	return strings.Trim(slug, "-")
}

var validSlug = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

func ValidSlug(s string) bool {
	return validSlug.MatchString(s)
}

// QueryInt reads an integer query parameter with a fallback.
func QueryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return v
}

func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func SanitizeFilename(name string) string {
	re := regexp.MustCompile(`[^\w.\-]`)
	clean := re.ReplaceAllString(filepath.Base(name), "_")
	if clean == "" {
		return "file"
	}
	return clean
}

// ClientIP is the host part of RemoteAddr. Headers are ignored since any
// client can set them.
func ClientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

// ForwardedIP returns the address the outermost of trustedHops proxies saw,
// counting X-Forwarded-For entries from the right. With no trusted hops, or
// fewer entries than hops, it falls back to ClientIP.
func ForwardedIP(r *http.Request, trustedHops int) string {
	if trustedHops <= 0 {
		return ClientIP(r)
	}
	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(h, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				hops = append(hops, ip)
			}
		}
	}
	if len(hops) < trustedHops {
		return ClientIP(r)
	}
	return hops[len(hops)-trustedHops]
}
