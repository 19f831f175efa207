// Package credentials renders a secrets template into the tokens and keys
// used by mediactl. The template is JSON with text/template functions for
// environment variables, files and registered secret providers, so secrets
// never live in the main config file.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/wolfeidau/signed-media/config"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// Credentials holds resolved secrets. Unset sections leave the config alone.
type Credentials struct {
	API    *APISecrets    `json:"api,omitempty"`
	Server *ServerSecrets `json:"server,omitempty"`
	S3     *S3Secrets     `json:"s3,omitempty"`
}

// APISecrets authenticate the client to the gateway.
type APISecrets struct {
	Token string `json:"token"`
}

// ServerSecrets protect the gateway.
type ServerSecrets struct {
	AuthToken string `json:"auth_token"`
}

// S3Secrets sign presigned URLs.
type S3Secrets struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Apply copies every non-empty secret into cfg.
func (c *Credentials) Apply(cfg *config.Config) {
	if c.API != nil && c.API.Token != "" {
		cfg.API.Token = c.API.Token
	}
	if c.Server != nil && c.Server.AuthToken != "" {
		cfg.Server.AuthToken = c.Server.AuthToken
	}
	if c.S3 != nil {
		if c.S3.AccessKey != "" {
			cfg.S3.AccessKey = c.S3.AccessKey
		}
		if c.S3.SecretKey != "" {
			cfg.S3.SecretKey = c.S3.SecretKey
		}
	}
}

// SecretProvider looks up a secret by reference, e.g. a vault path.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p SecretProvider) Option {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// Resolver renders secrets templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// NewResolver creates a resolver with the built-in env, envDefault, file and
// json functions plus any registered providers.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("resolved credentials", "path", path)
	return creds, nil
}

// ResolveReader renders a template read from src.
func (r *Resolver) ResolveReader(ctx context.Context, src io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	rendered, err := r.render(ctx, string(data))
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(rendered, &creds); err != nil {
		return nil, fmt.Errorf("credentials are not valid JSON after rendering: %w", err)
	}
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("rendering credentials template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}
	return buf.Bytes(), nil
}

// funcs builds the template functions. Provider lookups are memoized for
// one render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			if val, ok := os.LookupEnv(key); ok {
				return val, nil
			}
			return "", fmt.Errorf("environment variable %q is not set", key)
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading secret file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	seen := make(map[string]string)
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := seen[key]; ok {
				return val, nil
			}
			val, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			seen[key] = val
			return val, nil
		}
	}
	return fm
}
