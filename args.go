package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"artlot/api"
	"artlot/models"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("server-id", "artlot-0", "")

	// oidc config, one set of flags per supported provider
	for _, provider := range []string{"google", "microsoft", "github"} {
		pflag.String("oidc-"+provider+"-issuer-url", "", "")
		pflag.String("oidc-"+provider+"-client-id", "", "")
		pflag.String("oidc-"+provider+"-client-secret", "", "")
	}

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")
	pflag.Int64("s3-rate-limit-per-hour", 30, "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "artlot:", "")
	pflag.String("redis-consumer-group", "artlot-bid-sync", "")
	pflag.Duration("redis-expire-time", time.Hour, "")
	pflag.String("redis-stream-key-for-bids", "artlot-shared-bid-stream", "")

	// auth config
	pflag.String("auth-private-key", "", "base64 encoded ed25519 private key")
	pflag.String("auth-issuer", "artlot", "")
	pflag.String("auth-audience", "artlot", "")
	pflag.Duration("auth-expire-duration", 3*time.Hour, "")

	// session config
	pflag.String("session-key-for-cookie", "session", "")
	pflag.Duration("session-cookie-max-age", 24*time.Hour, "")

	// stripe config
	pflag.String("stripe-api-key", "", "")
	pflag.String("stripe-webhook-secret", "", "")
	pflag.String("stripe-currency", "usd", "")
	pflag.String("stripe-success-url", "", "")
	pflag.String("stripe-cancel-url", "", "")

	// mail config
	pflag.String("mail-endpoint", "", "")
	pflag.String("mail-api-key", "", "")
	pflag.String("mail-from", "", "")

	// lifecycle config
	pflag.Duration("lifecycle-completion-interval", 30*time.Second, "")
	pflag.Duration("lifecycle-abandon-interval", 10*time.Minute, "")
	pflag.Duration("lifecycle-grace-window", 48*time.Hour, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ARTLOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	oidcProviders := map[models.SSOProviderName]api.OIDCProviderConfig{}
	for _, provider := range []models.SSOProviderName{models.SSOGoogle, models.SSOMicrosoft, models.SSOGitHub} {
		providerConfig := api.OIDCProviderConfig{
			IssuerURL:    viper.GetString("oidc-" + string(provider) + "-issuer-url"),
			ClientID:     viper.GetString("oidc-" + string(provider) + "-client-id"),
			ClientSecret: viper.GetString("oidc-" + string(provider) + "-client-secret"),
		}
		if providerConfig.IssuerURL != "" && providerConfig.ClientID != "" {
			oidcProviders[provider] = providerConfig
		}
	}

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID:   viper.GetString("server-id"),
			OIDC: api.OIDCConfig{Providers: oidcProviders},
			S3: api.S3Config{
				Endpoint:         viper.GetString("s3-endpoint"),
				Bucket:           viper.GetString("s3-bucket"),
				PublicBaseURL:    viper.GetString("s3-public-base-url"),
				AccessKeyID:      viper.GetString("s3-access-key-id"),
				SecretAccessKey:  viper.GetString("s3-secret-access-key"),
				RateLimitPerHour: viper.GetInt64("s3-rate-limit-per-hour"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				ExpireTime:    viper.GetDuration("redis-expire-time"),
				StreamKeys: api.RedisStreamKeys{
					BidStream: viper.GetString("redis-stream-key-for-bids"),
				},
			},
			Auth: api.AuthConfig{
				PrivateKey:     parsePrivateKey(viper.GetString("auth-private-key")),
				Issuer:         viper.GetString("auth-issuer"),
				Audience:       viper.GetString("auth-audience"),
				ExpireDuration: viper.GetDuration("auth-expire-duration"),
			},
			Session: api.SessionConfig{
				KeyForCookie: viper.GetString("session-key-for-cookie"),
				CookieMaxAge: viper.GetDuration("session-cookie-max-age"),
			},
			Stripe: api.StripeConfig{
				APIKey:        viper.GetString("stripe-api-key"),
				WebhookSecret: viper.GetString("stripe-webhook-secret"),
				Currency:      viper.GetString("stripe-currency"),
				SuccessURL:    viper.GetString("stripe-success-url"),
				CancelURL:     viper.GetString("stripe-cancel-url"),
			},
			Mail: api.MailConfig{
				Endpoint: viper.GetString("mail-endpoint"),
				APIKey:   viper.GetString("mail-api-key"),
				From:     viper.GetString("mail-from"),
			},
			Lifecycle: api.LifecycleConfig{
				CompletionInterval: viper.GetDuration("lifecycle-completion-interval"),
				AbandonInterval:    viper.GetDuration("lifecycle-abandon-interval"),
				GraceWindow:        viper.GetDuration("lifecycle-grace-window"),
			},
		},
	}
}

// parsePrivateKey accepts either a full ed25519 private key or its
// 32-byte seed, base64 encoded. Anything else yields nil and fails
// validation.
func parsePrivateKey(encoded string) ed25519.PrivateKey {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw)
	}
	return nil
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		len(args.ServerConfig.OIDC.Providers) > 0 &&
		args.ServerConfig.Auth.PrivateKey != nil &&
		args.ServerConfig.DB.Host != "" &&
		args.ServerConfig.Redis.Addr != ""
}
