package api

import (
	"crypto/ed25519"
	"time"

	"artlot/models"
)

type ServerConfig struct {
	// ID names this instance inside the bid stream consumer group.
	ID string

	OIDC      OIDCConfig
	S3        S3Config
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Session   SessionConfig
	Stripe    StripeConfig
	Mail      MailConfig
	Lifecycle LifecycleConfig
}

type OIDCConfig struct {
	Providers map[models.SSOProviderName]OIDCProviderConfig
}

type OIDCProviderConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
}

type S3Config struct {
	AccessKeyID      string
	SecretAccessKey  string
	Endpoint         string
	Bucket           string
	PublicBaseURL    string
	RateLimitPerHour int64
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key this instance touches.
	KeyPrefix     string
	ConsumerGroup string
	// ExpireTime bounds the cached current-price keys.
	ExpireTime time.Duration

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	BidStream string
}

type AuthConfig struct {
	PrivateKey     ed25519.PrivateKey
	Issuer         string
	Audience       string
	ExpireDuration time.Duration
}

type SessionConfig struct {
	KeyForCookie string
	CookieMaxAge time.Duration
}

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Currency      string
	SuccessURL    string
	CancelURL     string
}

type MailConfig struct {
	Endpoint string
	APIKey   string
	From     string
}

type LifecycleConfig struct {
	// CompletionInterval is how often ended auctions are closed.
	CompletionInterval time.Duration
	// AbandonInterval is how often lapsed wins are swept.
	AbandonInterval time.Duration
	// GraceWindow is how long a winner has to pay before the win cascades.
	GraceWindow time.Duration
}
