package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"accountd/core"
)

const (
	YandexAvatarBaseURL = "https://avatars.yandex.net/get-yapic"
	YandexAvatarSize    = "islands-200"
)

type YandexConfig struct {
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	OAuthBaseURL    string `yaml:"oauth_base_url"`
	UserInfoBaseURL string `yaml:"userinfo_base_url"`
}

type YandexProvider struct {
	config     *YandexConfig
	httpClient *http.Client
}

func NewYandexProvider(config *YandexConfig) *YandexProvider {
	if config.OAuthBaseURL == "" {
		config.OAuthBaseURL = "https://oauth.yandex.ru"
	}
	if config.UserInfoBaseURL == "" {
		config.UserInfoBaseURL = "https://login.yandex.ru"
	}
	return &YandexProvider{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type yandexTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type yandexUserInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	DefaultEmail    string `json:"default_email"`
	DefaultAvatarID string `json:"default_avatar_id"`
}

func (y *YandexProvider) AuthorizationURL(req core.AuthRequest) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", y.config.ClientID)
	params.Set("redirect_uri", req.RedirectURI)
	params.Set("state", req.State)
	if req.CodeChallenge != "" {
		params.Set("code_challenge", req.CodeChallenge)
		params.Set("code_challenge_method", "S256")
	}

	return y.config.OAuthBaseURL + "/authorize?" + params.Encode()
}

func (y *YandexProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*core.OAuthTokens, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("client_id", y.config.ClientID)
	data.Set("client_secret", y.config.ClientSecret)
	if redirectURI != "" {
		data.Set("redirect_uri", redirectURI)
	}

	tokenURL := y.config.OAuthBaseURL + "/token"
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		tokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", core.ErrProviderTokenExchange, resp.StatusCode, string(body))
	}

	var tokenResp yandexTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}

	return &core.OAuthTokens{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}, nil
}

func (y *YandexProvider) GetUserInfo(ctx context.Context, accessToken string) (*core.UserInfo, error) {
	userinfoURL := y.config.UserInfoBaseURL + "/info?format=json"

	req, err := http.NewRequestWithContext(ctx, "GET", userinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderUserInfo, err)
	}

	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderUserInfo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", core.ErrProviderUserInfo, resp.StatusCode, string(body))
	}

	var userInfo yandexUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderUserInfo, err)
	}

	pictureURL := ""
	if userInfo.DefaultAvatarID != "" {
		pictureURL = fmt.Sprintf("%s/%s/%s", YandexAvatarBaseURL, userInfo.DefaultAvatarID, YandexAvatarSize)
	}

	// Yandex only reports an email it has verified itself.
	return &core.UserInfo{
		ProviderUserID: userInfo.ID,
		Email:          userInfo.DefaultEmail,
		EmailVerified:  userInfo.DefaultEmail != "",
		Name:           userInfo.DisplayName,
		Picture:        pictureURL,
	}, nil
}

func (y *YandexProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*core.OAuthTokens, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", y.config.ClientID)
	data.Set("client_secret", y.config.ClientSecret)

	tokenURL := y.config.OAuthBaseURL + "/token"
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		tokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderRefreshToken, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderRefreshToken, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", core.ErrProviderRefreshToken, resp.StatusCode, string(body))
	}

	var tokenResp yandexTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderRefreshToken, err)
	}

	return &core.OAuthTokens{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}, nil
}

func (y *YandexProvider) Provider() core.Provider {
	return core.ProviderYandex
}
