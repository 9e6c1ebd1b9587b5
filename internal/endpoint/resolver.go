// Package endpoint derives the ordered list of store connection candidates from
// layered configuration: explicit connection strings, then connection strings
// assembled from host/port/credential parts, then fixed local fallbacks.
package endpoint

import (
	"net"
	"net/url"
	"os"
	"strings"
)

// Kind tags a target as a primary candidate or the cloud shadow replica.
type Kind string

const (
	KindPrimary Kind = "primary"
	KindShadow  Kind = "shadow"
)

// Target is one connection candidate. Targets are produced once per process
// and never modified.
type Target struct {
	Kind        Kind   `json:"kind"`
	Address     string `json:"-"`                     // Full connection string, may embed a password
	Credentials string `json:"credentials,omitempty"` // User name only
	Priority    int    `json:"priority"`              // Position in the probe order
	Source      string `json:"source"`                // Config key, "alias" or "fallback"
}

// Redacted returns the address with any password replaced by "xxxxx".
func (t Target) Redacted() string {
	u, err := url.Parse(t.Address)
	if err != nil {
		return "<invalid address>"
	}
	return u.Redacted()
}

// Scheme returns the lower-cased URI scheme of the address.
func (t Target) Scheme() string {
	u, err := url.Parse(t.Address)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// defaultPorts fills in the port a scheme implies when the address omits it.
var defaultPorts = map[string]string{
	"mongodb": "27017",
	"redis":   "6379",
	"rediss":  "6379",
}

// SameStore reports whether a and b reach the same physical store: same
// scheme family and at least one host in common. Hosts are compared
// case-insensitively with default ports filled in and loopback spellings
// folded together, so "mongodb://LOCALHOST/" and "mongodb://127.0.0.1:27017/x"
// match. Database paths and credentials are ignored.
func SameStore(a, b Target) bool {
	fa, ha := hostSet(a.Address)
	fb, hb := hostSet(b.Address)
	if fa == "" || fa != fb {
		return false
	}
	for h := range ha {
		if hb[h] {
			return true
		}
	}
	return false
}

// hostSet returns the scheme family and the normalized host:port set of a
// connection string. Mongo seed lists separate hosts with commas.
func hostSet(address string) (string, map[string]bool) {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return "", nil
	}

	scheme := strings.ToLower(u.Scheme)
	family := scheme
	switch scheme {
	case "mongodb+srv":
		family = "mongodb"
	case "rediss":
		family = "redis"
	}

	hosts := make(map[string]bool)
	for _, h := range strings.Split(u.Host, ",") {
		host, port, err := net.SplitHostPort(h)
		if err != nil {
			host, port = strings.Trim(h, "[]"), ""
		}
		if port == "" && scheme != "mongodb+srv" {
			port = defaultPorts[scheme]
		}
		host = strings.ToLower(host)
		if ip := net.ParseIP(host); (ip != nil && ip.IsLoopback()) || host == "localhost" {
			host = "localhost"
		}
		hosts[net.JoinHostPort(host, port)] = true
	}
	return family, hosts
}

// Config names the configuration keys the resolver reads and the fallbacks it
// generates. Values are read through a LookupFunc, normally the process
// environment.
type Config struct {
	URIKeys        []string `yaml:"uri_keys,omitempty"`
	HostKey        string   `yaml:"host_key,omitempty"`
	PortKey        string   `yaml:"port_key,omitempty"`
	UserKey        string   `yaml:"user_key,omitempty"`
	PasswordKey    string   `yaml:"password_key,omitempty"`
	DefaultPort    string   `yaml:"default_port,omitempty"`
	ServiceAliases []string `yaml:"service_aliases,omitempty"`
	LoopbackURI    string   `yaml:"loopback_uri,omitempty"`
	ShadowKeys     []string `yaml:"shadow_keys,omitempty"`
	CloudMarkers   []string `yaml:"cloud_markers,omitempty"`
	DeploymentKeys []string `yaml:"deployment_keys,omitempty"`
}

// DefaultConfig returns the key names used by the hosting platforms the
// service is deployed to.
func DefaultConfig() Config {
	return Config{
		URIKeys:        []string{"MONGO_URL", "MONGO_URI", "MONGODB_URL", "MONGODB_URI", "REDIS_URL"},
		HostKey:        "MONGOHOST",
		PortKey:        "MONGOPORT",
		UserKey:        "MONGOUSER",
		PasswordKey:    "MONGOPASSWORD",
		DefaultPort:    "27017",
		ServiceAliases: []string{"mongo", "mongodb"},
		LoopbackURI:    "mongodb://localhost:27017/",
		ShadowKeys:     []string{"MONGO_CLOUD_URL", "MONGO_SHADOW_URL"},
		CloudMarkers:   []string{".mongodb.net", "mongodb+srv://"},
		DeploymentKeys: []string{"RAILWAY_ENVIRONMENT", "RENDER", "STASH_DEPLOYMENT"},
	}
}

// WithDefaults fills empty fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.URIKeys == nil {
		c.URIKeys = d.URIKeys
	}
	if c.HostKey == "" {
		c.HostKey = d.HostKey
	}
	if c.PortKey == "" {
		c.PortKey = d.PortKey
	}
	if c.UserKey == "" {
		c.UserKey = d.UserKey
	}
	if c.PasswordKey == "" {
		c.PasswordKey = d.PasswordKey
	}
	if c.DefaultPort == "" {
		c.DefaultPort = d.DefaultPort
	}
	if c.ServiceAliases == nil {
		c.ServiceAliases = d.ServiceAliases
	}
	if c.LoopbackURI == "" {
		c.LoopbackURI = d.LoopbackURI
	}
	if c.ShadowKeys == nil {
		c.ShadowKeys = d.ShadowKeys
	}
	if c.CloudMarkers == nil {
		c.CloudMarkers = d.CloudMarkers
	}
	if c.DeploymentKeys == nil {
		c.DeploymentKeys = d.DeploymentKeys
	}
	return c
}

// LookupFunc returns the value of a configuration key. os.LookupEnv matches.
type LookupFunc func(key string) (string, bool)

// EnvLookup reads from the process environment.
func EnvLookup() LookupFunc {
	return os.LookupEnv
}

// MapLookup reads from a fixed map. Useful for tests and dry runs.
func MapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func get(lookup LookupFunc, key string) string {
	if key == "" {
		return ""
	}
	v, ok := lookup(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Resolve builds the ordered candidate list: primary targets in probe order,
// followed by at most one shadow target. The primary list is never empty.
func Resolve(cfg Config, lookup LookupFunc) []Target {
	cfg = cfg.WithDefaults()

	var primaries []Target
	seen := make(map[string]bool)
	add := func(address, user, source string) {
		if address == "" || seen[address] {
			return
		}
		seen[address] = true
		primaries = append(primaries, Target{
			Kind:        KindPrimary,
			Address:     address,
			Credentials: user,
			Source:      source,
		})
	}

	// Tier 1: explicit connection strings
	for _, key := range cfg.URIKeys {
		if uri := get(lookup, key); uri != "" {
			add(uri, userOf(uri), key)
		}
	}

	// Tier 2: assembled from parts, then service aliases on the same port
	host := get(lookup, cfg.HostKey)
	port := get(lookup, cfg.PortKey)
	if port == "" {
		port = cfg.DefaultPort
	}
	user := get(lookup, cfg.UserKey)
	password := get(lookup, cfg.PasswordKey)
	if user == "" || password == "" {
		user, password = "", ""
	}
	if host != "" {
		add(assemble(host, port, user, password), user, cfg.HostKey)
	}
	for _, alias := range cfg.ServiceAliases {
		add(assemble(alias, port, user, password), user, "alias")
	}

	// Tier 3: local fallback
	add(cfg.LoopbackURI, "", "fallback")

	if !Deployed(cfg, lookup) {
		primaries = moveToFront(primaries, cfg.LoopbackURI)
	}

	for i := range primaries {
		primaries[i].Priority = i
	}

	targets := primaries
	if shadow, ok := resolveShadow(cfg, lookup); ok {
		targets = append(targets, shadow)
	}
	return targets
}

// Deployed reports whether any deployment-context key is set.
func Deployed(cfg Config, lookup LookupFunc) bool {
	for _, key := range cfg.WithDefaults().DeploymentKeys {
		if get(lookup, key) != "" {
			return true
		}
	}
	return false
}

// IsCloud reports whether address carries one of the cloud markers.
func IsCloud(cfg Config, address string) bool {
	lower := strings.ToLower(address)
	for _, marker := range cfg.WithDefaults().CloudMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Primaries returns the primary candidates in probe order.
func Primaries(targets []Target) []Target {
	var out []Target
	for _, t := range targets {
		if t.Kind == KindPrimary {
			out = append(out, t)
		}
	}
	return out
}

// Shadow returns the shadow target if one was configured.
func Shadow(targets []Target) (Target, bool) {
	for _, t := range targets {
		if t.Kind == KindShadow {
			return t, true
		}
	}
	return Target{}, false
}

// resolveShadow picks the single cloud replica: a dedicated shadow key wins,
// otherwise the first explicit connection string that looks like a cloud
// endpoint.
func resolveShadow(cfg Config, lookup LookupFunc) (Target, bool) {
	for _, key := range cfg.ShadowKeys {
		if uri := get(lookup, key); uri != "" {
			return Target{Kind: KindShadow, Address: uri, Credentials: userOf(uri), Source: key}, true
		}
	}
	for _, key := range cfg.URIKeys {
		if uri := get(lookup, key); uri != "" && IsCloud(cfg, uri) {
			return Target{Kind: KindShadow, Address: uri, Credentials: userOf(uri), Source: key}, true
		}
	}
	return Target{}, false
}

func assemble(host, port, user, password string) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(host, port),
		Path:   "/",
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	return u.String()
}

func userOf(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}

func moveToFront(targets []Target, address string) []Target {
	for i, t := range targets {
		if t.Address != address {
			continue
		}
		if i == 0 {
			return targets
		}
		out := make([]Target, 0, len(targets))
		out = append(out, t)
		out = append(out, targets[:i]...)
		out = append(out, targets[i+1:]...)
		return out
	}
	return targets
}
