package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/providers/assets"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/providers/proxy"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shim"
)

// Format is a manifest encoding
type Format string

// Supported formats
const (
	YAML Format = "yaml"
	TOML Format = "toml"
	JSON Format = "json"
)

// ErrInvalid marks a manifest that fails validation
var ErrInvalid = errors.New("invalid manifest")

// Duration decodes "10s" style strings in every format
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Manifest describes a shared context and the schemes mounted in it
type Manifest struct {
	Context              string  `yaml:"context" toml:"context" json:"context"`
	UniqueSchemes        bool    `yaml:"unique_schemes" toml:"unique_schemes" json:"unique_schemes"`
	DocumentStartScripts *bool   `yaml:"document_start_scripts" toml:"document_start_scripts" json:"document_start_scripts"`
	Alias                string  `yaml:"alias" toml:"alias" json:"alias"`
	BridgeScheme         string  `yaml:"bridge_scheme" toml:"bridge_scheme" json:"bridge_scheme"`
	Mounts               []Mount `yaml:"mounts" toml:"mounts" json:"mounts"`

	// dir resolves relative asset paths
	dir string
}

// Mount binds one scheme to a provider. Exactly one of Assets and Proxy is
// set.
type Mount struct {
	Scheme string `yaml:"scheme" toml:"scheme" json:"scheme"`

	Assets   string `yaml:"assets" toml:"assets" json:"assets"`
	Index    string `yaml:"index" toml:"index" json:"index"`
	MaxRange int64  `yaml:"max_range" toml:"max_range" json:"max_range"`
	// Deny hides files matching doublestar patterns
	Deny []string `yaml:"deny" toml:"deny" json:"deny"`

	Proxy   string   `yaml:"proxy" toml:"proxy" json:"proxy"`
	Timeout Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	Retries *int     `yaml:"retries" toml:"retries" json:"retries"`
}

// Registrar binds handlers; *host.Host satisfies it
type Registrar interface {
	Register(ctxID id.ContextID, scheme string, h protocol.Handler) error
}

// Load reads a manifest, choosing the format by file extension
func Load(path string) (*Manifest, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// FormatOf maps a file extension to a Format
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".toml":
		return TOML, nil
	case ".json":
		return JSON, nil
	default:
		return "", fmt.Errorf("%w: unknown manifest extension %q", ErrInvalid, filepath.Ext(path))
	}
}

// Parse decodes and validates a manifest
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	var err error
	switch format {
	case YAML:
		err = yaml.Unmarshal(data, &m)
	case TOML:
		err = toml.Unmarshal(data, &m)
	case JSON:
		err = sonic.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s manifest: %w", format, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks schemes and mount sources
func (m *Manifest) Validate() error {
	var errs []error
	if m.Alias != "" && !(protocol.Alias{Base: m.Alias}).Enabled() {
		errs = append(errs, fmt.Errorf("alias must be http or https, got %q", m.Alias))
	}
	if m.BridgeScheme != "" {
		if _, err := protocol.ParseScheme(m.BridgeScheme); err != nil {
			errs = append(errs, fmt.Errorf("bridge_scheme: %w", err))
		}
	}
	if len(m.Mounts) == 0 {
		errs = append(errs, errors.New("no mounts"))
	}

	seen := make(map[protocol.Scheme]bool, len(m.Mounts))
	for i, mt := range m.Mounts {
		s, err := protocol.ParseScheme(mt.Scheme)
		if err != nil {
			errs = append(errs, fmt.Errorf("mount %d: %w", i, err))
			continue
		}
		if seen[s] {
			errs = append(errs, fmt.Errorf("mount %d: scheme %q mounted twice", i, s))
		}
		seen[s] = true
		if string(s) == m.Bridge() {
			errs = append(errs, fmt.Errorf("mount %d: scheme %q is the bridge scheme", i, s))
		}
		if (mt.Assets == "") == (mt.Proxy == "") {
			errs = append(errs, fmt.Errorf("mount %d (%s): set exactly one of assets and proxy", i, s))
		}
		for _, pattern := range mt.Deny {
			if !doublestar.ValidatePattern(pattern) {
				errs = append(errs, fmt.Errorf("mount %d (%s): bad deny pattern %q", i, s, pattern))
			}
		}
		if mt.MaxRange < 0 || mt.Timeout < 0 || (mt.Retries != nil && *mt.Retries < 0) {
			errs = append(errs, fmt.Errorf("mount %d (%s): negative limit", i, s))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Capabilities returns the engine capabilities the manifest asks for.
// Document-start scripts default to on.
func (m *Manifest) Capabilities() platform.Capabilities {
	docStart := true
	if m.DocumentStartScripts != nil {
		docStart = *m.DocumentStartScripts
	}
	return platform.Capabilities{
		UniqueSchemes:        m.UniqueSchemes,
		DocumentStartScripts: docStart,
		RequestBodies:        true,
		Alias:                protocol.Alias{Base: m.Alias},
	}
}

// Bridge returns the bridge pseudo-scheme, lower-cased
func (m *Manifest) Bridge() string {
	if m.BridgeScheme == "" {
		return shim.DefaultBridgeScheme
	}
	return strings.ToLower(m.BridgeScheme)
}

// ContextID returns the configured context id, or "" for a generated one
func (m *Manifest) ContextID() id.ContextID {
	return id.ContextID(m.Context)
}

// Handlers builds one handler per mount, keyed by scheme
func (m *Manifest) Handlers(logger *zap.Logger) (map[string]protocol.Handler, error) {
	logger = logging.OrNop(logger)
	handlers := make(map[string]protocol.Handler, len(m.Mounts))
	for _, mt := range m.Mounts {
		h, err := m.handler(mt, logger.With(logging.Scheme(mt.Scheme)))
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w", mt.Scheme, err)
		}
		handlers[strings.ToLower(mt.Scheme)] = h
	}
	return handlers, nil
}

func (m *Manifest) handler(mt Mount, logger *zap.Logger) (protocol.Handler, error) {
	if mt.Proxy != "" {
		settings := proxy.DefaultSettings()
		if mt.Timeout > 0 {
			settings.Timeout = time.Duration(mt.Timeout)
		}
		if mt.Retries != nil {
			settings.RetryMax = *mt.Retries
		}
		p, err := proxy.New(mt.Proxy, settings, proxy.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return p.Handler(), nil
	}

	dir := m.assetsDir(mt)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("assets: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("assets: %s is not a directory", dir)
	}
	opts := []assets.Option{
		assets.WithLogger(logger),
		assets.WithMaxRange(mt.MaxRange),
		assets.WithDeny(mt.Deny...),
	}
	if mt.Index != "" {
		opts = append(opts, assets.WithIndex(mt.Index))
	}
	return assets.New(os.DirFS(dir), opts...).Handler(), nil
}

func (m *Manifest) assetsDir(mt Mount) string {
	if filepath.IsAbs(mt.Assets) {
		return mt.Assets
	}
	return filepath.Join(m.dir, mt.Assets)
}

// Inventory counts the files an assets mount serves and their total size.
// Denied files are left out.
func (m *Manifest) Inventory(mt Mount) (files int, size int64, err error) {
	if mt.Assets == "" {
		return 0, 0, fmt.Errorf("mount %s serves no assets", mt.Scheme)
	}
	root := m.assetsDir(mt)
	var n, total atomic.Int64
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range mt.Deny {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n.Add(1)
		total.Add(info.Size())
		return nil
	})
	return int(n.Load()), total.Load(), err
}

// Apply registers every mount in ctxID
func (m *Manifest) Apply(r Registrar, ctxID id.ContextID, logger *zap.Logger) error {
	handlers, err := m.Handlers(logger)
	if err != nil {
		return err
	}
	for _, mt := range m.Mounts {
		scheme := strings.ToLower(mt.Scheme)
		if err := r.Register(ctxID, scheme, handlers[scheme]); err != nil {
			return fmt.Errorf("register %s: %w", scheme, err)
		}
		logging.OrNop(logger).Info("scheme mounted",
			logging.Context(ctxID),
			logging.Scheme(scheme),
			zap.String("source", mt.source()))
	}
	return nil
}

func (mt Mount) source() string {
	if mt.Proxy != "" {
		return mt.Proxy
	}
	return mt.Assets
}
