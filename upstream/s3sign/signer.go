// Package s3sign presigns view and upload URLs against an S3 compatible
// object store. Keys live under a per-user namespace "{prefix}/{user}/" and
// a user may only view keys in their own namespace.
package s3sign

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/upstream"
)

const (
	// DefaultViewTTL is how long a presigned view URL is valid.
	DefaultViewTTL = 5 * time.Minute

	// DefaultUploadTTL is how long a presigned upload URL is valid.
	DefaultUploadTTL = 60 * time.Second

	// DefaultPrefix is the namespace prefix for user objects.
	DefaultPrefix = "prod/profiles"

	// DefaultHint names the object when the caller gives no hint.
	DefaultHint = "avatar"

	defaultRegion = "us-east-1"
)

var (
	contentTypeRe = regexp.MustCompile(`(?i)^image/(png|jpe?g|webp)$`)
	hintRe        = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)
)

// Config configures a Signer.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// Prefix is the namespace root. Defaults to DefaultPrefix.
	Prefix string

	ViewTTL   time.Duration
	UploadTTL time.Duration

	Logger *slog.Logger
	// Now is used for key timestamps and expiry. Defaults to time.Now.
	Now func() time.Time
}

// Signer presigns object URLs.
type Signer struct {
	client    *minio.Client
	bucket    string
	prefix    string
	viewTTL   time.Duration
	uploadTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Signer. Presigning is local; no request is made to the
// object store.
func New(cfg Config) (*Signer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3sign: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ViewTTL <= 0 {
		cfg.ViewTTL = DefaultViewTTL
	}
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = DefaultUploadTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	// The region must be set or presigning looks up the bucket location.
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	return &Signer{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		viewTTL:   cfg.ViewTTL,
		uploadTTL: cfg.UploadTTL,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Namespace returns the key prefix owned by user.
func (s *Signer) Namespace(user string) string {
	return s.prefix + "/" + user + "/"
}

// ViewURL presigns a GET for key on behalf of user. Keys outside the user's
// namespace are rejected with signedmedia.ErrForbidden.
func (s *Signer) ViewURL(ctx context.Context, user, key string) (string, error) {
	if err := validateUser(user); err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", &signedmedia.ValidationError{Field: "key", Reason: "is required"}
	}
	if !strings.HasPrefix(key, s.Namespace(user)) || strings.Contains(key, "..") {
		s.logger.Debug("view outside namespace", "user", user, "key", key)
		return "", fmt.Errorf("%w: key %q is outside namespace %q", signedmedia.ErrForbidden, key, s.Namespace(user))
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.viewTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigning get %s: %w", key, err)
	}
	return u.String(), nil
}

// UploadTarget presigns a PUT for a new key in the user's namespace.
// Unsupported content types and malformed hints are validation errors.
func (s *Signer) UploadTarget(ctx context.Context, user, contentType, hint string) (upstream.UploadTarget, error) {
	if err := validateUser(user); err != nil {
		return upstream.UploadTarget{}, err
	}
	ext, err := extension(contentType)
	if err != nil {
		return upstream.UploadTarget{}, err
	}
	if hint == "" {
		hint = DefaultHint
	}
	if !hintRe.MatchString(hint) {
		return upstream.UploadTarget{}, &signedmedia.ValidationError{Field: "hint", Reason: "must be lower case letters, digits, '-' or '_'"}
	}

	now := s.now()
	key := s.Namespace(user) + hint + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "." + ext

	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.uploadTTL)
	if err != nil {
		return upstream.UploadTarget{}, fmt.Errorf("presigning put %s: %w", key, err)
	}
	return upstream.UploadTarget{
		UploadURL: u.String(),
		Key:       key,
		ExpiresAt: now.Add(s.uploadTTL),
	}, nil
}

// For binds the signer to one user so it can stand in for the remote
// gateway.
func (s *Signer) For(user string) *UserSigner {
	return &UserSigner{signer: s, user: user}
}

// UserSigner signs on behalf of a single user.
type UserSigner struct {
	signer *Signer
	user   string
}

var (
	_ upstream.ViewURLExchanger      = (*UserSigner)(nil)
	_ upstream.UploadTargetRequester = (*UserSigner)(nil)
)

// ExchangeKeyForViewURL presigns a view URL for key as the bound user.
func (u *UserSigner) ExchangeKeyForViewURL(ctx context.Context, key string) (string, error) {
	return u.signer.ViewURL(ctx, u.user, key)
}

// RequestUploadTarget presigns an upload for the bound user.
func (u *UserSigner) RequestUploadTarget(ctx context.Context, contentType, hint string) (upstream.UploadTarget, error) {
	return u.signer.UploadTarget(ctx, u.user, contentType, hint)
}

// AllowedContentType reports whether contentType may be uploaded.
func AllowedContentType(contentType string) bool {
	return contentTypeRe.MatchString(strings.TrimSpace(contentType))
}

func extension(contentType string) (string, error) {
	m := contentTypeRe.FindStringSubmatch(strings.TrimSpace(contentType))
	if m == nil {
		return "", &signedmedia.ValidationError{Field: "contentType", Reason: "unsupported content type " + strconv.Quote(contentType)}
	}
	switch strings.ToLower(m[1]) {
	case "png":
		return "png", nil
	case "webp":
		return "webp", nil
	default:
		return "jpg", nil
	}
}

func validateUser(user string) error {
	if user == "" || strings.ContainsAny(user, "/\\") || user == "." || user == ".." {
		return &signedmedia.ValidationError{Field: "user", Reason: "invalid user id"}
	}
	return nil
}
