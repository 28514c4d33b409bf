package api

import (
	"github.com/gin-gonic/gin"

	"artlot/adapters/redis"
	"artlot/adapters/session"
)

const (
	SESSION_KEY_REQUEST_STATE    = "request_state"
	SESSION_KEY_REQUEST_NONCE    = "request_nonce"
	SESSION_KEY_URL_BEFORE_LOGIN = "url_before_login"
	SESSION_KEY_SSO_PROVIDER     = "sso_provider"
	SESSION_KEY_SSO_ACCESS_TOKEN = "sso_access_token"
)

func (impl *ServerImpl) SessionMiddleware() gin.HandlerFunc {
	store := redis.NewStore(
		impl.redisClient,
		redis.WithStorePrefix(impl.config.Redis.KeyPrefix+"session:"),
	)
	return session.GinMiddleware(
		store,
		session.WithSessionKeyForCookie(impl.config.Session.KeyForCookie),
		session.WithCookieMaxAge(impl.config.Session.CookieMaxAge),
	)
}
