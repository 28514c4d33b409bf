package api

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"artlot/adapters/oidc"
	"artlot/adapters/session"
	"artlot/models"
)

// Obtain authentication url
// (GET /auth/sso/{provider}/login)
func (impl *ServerImpl) GetAuthSsoProviderLogin(c *gin.Context) {
	const op = "GetAuthSsoProviderLogin"
	provider, ok := impl.oidcProviders[models.SSOProviderName(c.Param("provider"))]
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	state, err := generateID("st")
	if err != nil {
		slog.Error("Unable to generate state", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	nonce, err := generateID("n")
	if err != nil {
		slog.Error("Unable to generate nonce", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	redirectURL := c.Query("redirectUrl")
	// Park the handshake values server-side so the callback can verify
	// them without trusting the browser.
	sess, err := session.GetSession(c)
	if err != nil {
		slog.Error("Fail to get session", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	sess.Set(SESSION_KEY_REQUEST_STATE, state)
	sess.Set(SESSION_KEY_REQUEST_NONCE, nonce)
	sess.Set(SESSION_KEY_URL_BEFORE_LOGIN, c.Query("urlBeforeLogin"))
	if err := sess.Save(); err != nil {
		slog.Error("Fail to save session", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Redirect(http.StatusFound, provider.AuthURL(state, nonce, redirectURL, []string{"email", "openid", "profile"}))
}

// Exchange authorization code
// (GET /auth/sso/{provider}/callback)
func (impl *ServerImpl) GetAuthSsoProviderCallback(c *gin.Context) {
	const op = "GetAuthSsoProviderCallback"
	providerName := models.SSOProviderName(c.Param("provider"))
	provider, ok := impl.oidcProviders[providerName]
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	sess, err := session.GetSession(c)
	if err != nil {
		slog.Error("Fail to get session", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	verifier := provider.NewExchangeVerifier(
		sess.Get(SESSION_KEY_REQUEST_STATE),
		sess.Get(SESSION_KEY_REQUEST_NONCE),
	)
	token, err := provider.Exchange(c.Request.Context(), verifier, c.Query("code"), c.Query("state"), c.Query("redirectUrl"))
	if errors.Is(err, oidc.ErrStateMismatch) || errors.Is(err, oidc.ErrNonceMismatch) {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("Fail to exchange token", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// An unseen subject gets a fresh local account on first login.
	ssoProvider := models.SsoProvider{Name: providerName}
	if result := impl.db.Where(&ssoProvider).First(&ssoProvider); result.Error != nil {
		slog.Error("Fail to find sso provider", slog.String("op", op), slog.String("provider", string(providerName)), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	userIdentity := models.UserIdentity{
		SsoProviderID: ssoProvider.ID,
		Identity:      token.IDToken.Sub,
	}
	if result := impl.db.Preload("User").Where(&userIdentity).First(&userIdentity); result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		slog.Error("Fail to get user identity", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	} else if result.Error != nil {
		userIdentity.User = &models.User{
			Username: token.IDToken.Name,
			Email:    token.IDToken.Email.Email,
		}
		if result := impl.db.Create(&userIdentity); result.Error != nil {
			slog.Error("Fail to create user identity", slog.String("op", op), slog.Any("error", result.Error))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}

	accessToken, err := impl.signJWT(userIdentity.User.ID, userIdentity.User.Username)
	if err != nil {
		slog.Error("Fail to sign JWT", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	maxAge := int(impl.config.Auth.ExpireDuration.Seconds())
	c.SetCookie(accessTokenCookie, accessToken, maxAge, "/", "", true, true)
	c.SetCookie("username", base64.StdEncoding.EncodeToString([]byte(userIdentity.User.Username)), maxAge, "/", "", true, false)

	urlBeforeLogin := sess.Get(SESSION_KEY_URL_BEFORE_LOGIN)
	sess.Delete(SESSION_KEY_REQUEST_STATE)
	sess.Delete(SESSION_KEY_REQUEST_NONCE)
	sess.Delete(SESSION_KEY_URL_BEFORE_LOGIN)
	// Remember the upstream token so logout can revoke it.
	sess.Set(SESSION_KEY_SSO_PROVIDER, string(providerName))
	sess.Set(SESSION_KEY_SSO_ACCESS_TOKEN, token.OAuth2Token.AccessToken)
	if err := sess.Save(); err != nil {
		slog.Warn("Fail to save session", slog.String("op", op), slog.Any("error", err))
	}
	if urlBeforeLogin == "" {
		urlBeforeLogin = "/"
	}
	c.Redirect(http.StatusFound, urlBeforeLogin)
}

// Revoke authentication token
// (GET /auth/logout)
func (impl *ServerImpl) GetAuthLogout(c *gin.Context) {
	const op = "GetAuthLogout"
	// Best-effort revocation of the upstream SSO token; local logout
	// succeeds either way.
	if sess, err := session.GetSession(c); err == nil {
		providerName := models.SSOProviderName(sess.Get(SESSION_KEY_SSO_PROVIDER))
		upstreamToken := sess.Get(SESSION_KEY_SSO_ACCESS_TOKEN)
		if provider, ok := impl.oidcProviders[providerName]; ok && upstreamToken != "" {
			if err := provider.Revoke(upstreamToken); err != nil {
				slog.Warn("Fail to revoke upstream token", slog.String("op", op), slog.Any("error", err))
			}
		}
		sess.Delete(SESSION_KEY_SSO_PROVIDER)
		sess.Delete(SESSION_KEY_SSO_ACCESS_TOKEN)
		if err := sess.Save(); err != nil {
			slog.Warn("Fail to save session", slog.String("op", op), slog.Any("error", err))
		}
	}
	c.SetCookie(accessTokenCookie, "", -1, "/", "", true, true)
	c.SetCookie("username", "", -1, "/", "", true, false)
	c.Status(http.StatusOK)
}

// Get user information
// (GET /user/info)
func (impl *ServerImpl) GetUserInfo(c *gin.Context) {
	const op = "GetUserInfo"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	user := models.User{ID: userID}
	if result := impl.db.Preload("Identities").Preload("Identities.SsoProvider").First(&user); result.Error != nil {
		slog.Error("Fail to find user", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	connectStatus := map[models.SSOProviderName]bool{
		models.SSOGoogle:    false,
		models.SSOMicrosoft: false,
		models.SSOGitHub:    false,
	}
	for _, identity := range user.Identities {
		connectStatus[identity.SsoProvider.Name] = true
	}
	c.JSON(http.StatusOK, gin.H{
		"username":     user.Username,
		"email":        user.Email,
		"ssoProviders": connectStatus,
	})
}

type patchUserInfoRequest struct {
	Username string `json:"username" binding:"required"`
}

// Update user information
// (PATCH /user/info)
func (impl *ServerImpl) PatchUserInfo(c *gin.Context) {
	const op = "PatchUserInfo"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	var body patchUserInfoRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(body.Username)
	if len(username) == 0 {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	user := models.User{ID: userID, Username: username}
	if result := impl.db.Updates(user); result.Error != nil {
		slog.Error("Fail to update user info", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

func generateID(prefix string) (string, error) {
	const op = "generateID"
	bytes := make([]byte, 20)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("[%s] Fail to generate unique id, err=%w", op, err)
	}
	return prefix + "_" + base64.URLEncoding.EncodeToString(bytes), nil
}
