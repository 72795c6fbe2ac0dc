package integration_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite"
)

type TokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	PrincipalID  string `json:"principal_id"`
}

type UserInfoResponse struct {
	PrincipalID string `json:"principal_id"`
	Email       string `json:"email"`
	Locale      string `json:"locale"`
	HasPassword bool   `json:"has_password"`
	IsSuperuser bool   `json:"is_superuser"`
}

type StatusResponse struct {
	Status       string `json:"status"`
	RevokedCount int    `json:"revoked_count"`
}

type AuthorizeURLResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

type LinkedAccountsResponse struct {
	Accounts []struct {
		Provider       string `json:"provider"`
		ProviderUserID string `json:"provider_user_id"`
	} `json:"accounts"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func postJSON(url, bearer string, body any) (*http.Response, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return httpClient.Do(req)
}

func getWithBearer(url, bearer string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return httpClient.Do(req)
}

func register(baseURL, email, password string) (*http.Response, error) {
	return postJSON(baseURL+"/register", "", map[string]string{
		"email":    email,
		"password": password,
	})
}

func login(baseURL, email, password string) (*http.Response, error) {
	return postJSON(baseURL+"/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
}

func refreshToken(baseURL, refreshToken string) (*http.Response, error) {
	return postJSON(baseURL+"/refresh", "", map[string]string{
		"refresh_token": refreshToken,
	})
}

func logout(baseURL, accessToken, refreshToken string) (*http.Response, error) {
	return postJSON(baseURL+"/logout", accessToken, map[string]string{
		"refresh_token": refreshToken,
	})
}

func logoutAll(baseURL, accessToken string) (*http.Response, error) {
	return postJSON(baseURL+"/logout-all", accessToken, nil)
}

func getUserInfo(baseURL, accessToken string) (*http.Response, error) {
	return getWithBearer(baseURL+"/userinfo", accessToken)
}

func linkAuthorizeURL(baseURL, accessToken, provider, redirectURI string) (*http.Response, error) {
	return postJSON(baseURL+"/link/authorize-url", accessToken, map[string]string{
		"provider":     provider,
		"redirect_uri": redirectURI,
	})
}

func linkCallback(baseURL, accessToken, provider, code, state, redirectURI string) (*http.Response, error) {
	return postJSON(baseURL+"/link/callback", accessToken, map[string]string{
		"provider":     provider,
		"code":         code,
		"state":        state,
		"redirect_uri": redirectURI,
	})
}

func listLinkedAccounts(baseURL, accessToken string) (*http.Response, error) {
	return getWithBearer(baseURL+"/link/accounts", accessToken)
}

func parseTokenPair(resp *http.Response) (*TokenPairResponse, error) {
	defer resp.Body.Close()
	var result TokenPairResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseUserInfo(resp *http.Response) (*UserInfoResponse, error) {
	defer resp.Body.Close()
	var result UserInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseStatus(resp *http.Response) (*StatusResponse, error) {
	defer resp.Body.Close()
	var result StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseAuthorizeURL(resp *http.Response) (*AuthorizeURLResponse, error) {
	defer resp.Body.Close()
	var result AuthorizeURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseLinkedAccounts(resp *http.Response) (*LinkedAccountsResponse, error) {
	defer resp.Body.Close()
	var result LinkedAccountsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func countRows(dbPath, query string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow(query).Scan(&count)
	return count, err
}

func countActiveSessions(dbPath string) (int, error) {
	return countRows(dbPath, "SELECT COUNT(*) FROM sessions WHERE is_active = 1")
}

func countPrincipals(dbPath string) (int, error) {
	return countRows(dbPath, "SELECT COUNT(*) FROM principals WHERE deleted_at IS NULL")
}

func countOAuthAccounts(dbPath string) (int, error) {
	return countRows(dbPath, "SELECT COUNT(*) FROM oauth_accounts")
}

func cleanDatabase(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	tables := []string{
		"oauth_consents",
		"oauth_provider_refresh_tokens",
		"oauth_authorization_codes",
		"oauth_clients",
		"oauth_states",
		"oauth_accounts",
		"sessions",
		"principals",
	}
	for _, table := range tables {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clean %s: %w", table, err)
		}
	}
	return nil
}
