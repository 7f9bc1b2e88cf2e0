package geoip

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"

	"genproxy/internal/cache"
)

// ErrUnavailable is returned when the resolver is not initialized.
var ErrUnavailable = errors.New("geoip resolver unavailable")

// lookupTTL bounds how long a resolved country is reused for an address.
const lookupTTL = time.Hour

// Resolver provides country lookups backed by a MaxMind GeoIP2 database.
// Results are cached per address since one client sends many requests.
type Resolver struct {
	reader *geoip2.Reader
	seen   *cache.TTL[string]
}

// NewResolver opens the GeoIP database at the given path. When the path is
// empty, nil is returned and locale detection skips IP lookups.
func NewResolver(path string) (*Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open database: %w", err)
	}
	return &Resolver{reader: reader, seen: cache.NewTTL[string](lookupTTL)}, nil
}

// CountryCode returns the ISO country code for the provided IP. Private and
// loopback addresses have no country.
func (r *Resolver) CountryCode(ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("geoip: invalid ip %q", ip)
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return "", nil
	}
	if r == nil || r.reader == nil {
		return "", ErrUnavailable
	}
	key := parsed.String()
	if entry, ok := r.seen.Get(key); ok {
		return entry.Value, nil
	}
	record, err := r.reader.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geoip: lookup country: %w", err)
	}
	code := ""
	if record != nil {
		code = strings.ToUpper(record.Country.IsoCode)
	}
	r.seen.Set(key, code)
	return code, nil
}

// Close closes the underlying database reader.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
