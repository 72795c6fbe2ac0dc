package integration_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"accountd/core"
	"accountd/core/providers"
	"accountd/storage"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const callbackURI = "http://localhost:8082/callback"

type IntegrationTestSuite struct {
	suite.Suite
	mockOAuth *MockOAuthServer
	appServer *httptest.Server
	repo      *storage.SQLiteRepository
	baseURL   string
	dbDir     string
	dbPath    string
}

func (s *IntegrationTestSuite) SetupSuite() {
	var err error
	s.dbDir, err = os.MkdirTemp("", "accountd-integration-*")
	if err != nil {
		s.T().Fatalf("Failed to create temp dir: %v", err)
	}
	s.dbPath = filepath.Join(s.dbDir, "accountd.db")

	s.mockOAuth = NewMockOAuthServer()

	s.repo, err = storage.NewSQLiteRepository(s.dbPath)
	if err != nil {
		s.T().Fatalf("Failed to open database: %v", err)
	}

	mux, err := s.buildApp()
	if err != nil {
		s.T().Fatalf("Failed to wire application: %v", err)
	}

	s.appServer = httptest.NewServer(mux)
	s.baseURL = s.appServer.URL
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.appServer != nil {
		s.appServer.Close()
	}
	if s.mockOAuth != nil {
		s.mockOAuth.Close()
	}
	if s.repo != nil {
		s.repo.Close()
	}
	os.RemoveAll(s.dbDir)
}

func (s *IntegrationTestSuite) SetupTest() {
	if err := cleanDatabase(s.dbPath); err != nil {
		s.T().Fatalf("Failed to clean database: %v", err)
	}
}

func (s *IntegrationTestSuite) buildApp() (*http.ServeMux, error) {
	config := &core.Config{
		JWT: core.JWTConfig{
			Secret:               "test-secret-key-for-integration-tests",
			AccessTokenDuration:  1800,
			RefreshTokenDuration: 2592000,
		},
		Crypto: core.CryptoConfig{
			EncryptionKey: "12345678901234567890123456789012",
		},
	}
	config.ApplyDefaults()
	config.ProviderMode.Issuer = "http://localhost:8082"

	codec, err := core.NewTokenCodec(config.JWT)
	if err != nil {
		return nil, err
	}
	crypto, err := core.NewCryptoService(config.Crypto.EncryptionKey)
	if err != nil {
		return nil, err
	}

	google := providers.NewGoogleProvider(&providers.GoogleConfig{
		ClientID:        "mock_client_id",
		ClientSecret:    "mock_client_secret",
		OAuthBaseURL:    s.mockOAuth.URL(),
		UserInfoBaseURL: s.mockOAuth.URL(),
	})

	logger := zap.NewNop()
	hasher := core.NewPasswordHasher()
	states := core.NewStateManager(s.repo, 10*time.Minute)
	sessions := core.NewSessionManager(s.repo, s.repo, codec, hasher, config, logger)
	linker := core.NewAccountLinker(s.repo, s.repo, states, sessions, crypto,
		map[core.Provider]core.AuthProvider{core.ProviderGoogle: google}, logger)
	authsrv := core.NewAuthorizationServer(s.repo, codec, crypto, config, logger)
	server := core.NewServer(sessions, linker, authsrv, codec, config, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/register", server.HandleRegister)
	mux.HandleFunc("/login", server.HandleLogin)
	mux.HandleFunc("/refresh", server.HandleRefresh)
	mux.HandleFunc("/logout", server.HandleLogout)
	mux.HandleFunc("/logout-all", server.HandleLogoutAll)
	mux.HandleFunc("GET /sessions", server.HandleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", server.HandleRevokeSession)
	mux.HandleFunc("/userinfo", server.HandleUserInfo)
	mux.HandleFunc("/health", server.HandleHealth)
	mux.HandleFunc("POST /link/authorize-url", server.HandleLinkAuthorizeURL)
	mux.HandleFunc("POST /link/callback", server.HandleLinkCallback)
	mux.HandleFunc("GET /link/accounts", server.HandleListAccounts)
	mux.HandleFunc("DELETE /link/{provider}", server.HandleUnlink)
	mux.HandleFunc("/.well-known/oauth-authorization-server", server.HandleDiscovery)
	mux.HandleFunc("/oauth2/authorize", server.HandleProviderAuthorize)
	mux.HandleFunc("/oauth2/token", server.HandleProviderToken)
	mux.HandleFunc("/oauth2/revoke", server.HandleProviderRevoke)
	return mux, nil
}

// socialLogin runs the full external flow: request an authorization URL,
// then hand the provider code back with the issued state. An empty
// accessToken performs a plain social login, a bearer links instead.
func (s *IntegrationTestSuite) socialLogin(accessToken, code string) *http.Response {
	urlResp, err := linkAuthorizeURL(s.baseURL, accessToken, "google", callbackURI)
	s.Require().NoError(err)
	s.Require().Equal(200, urlResp.StatusCode)

	urlData, err := parseAuthorizeURL(urlResp)
	s.Require().NoError(err)
	s.Require().NotEmpty(urlData.State)
	s.Require().Contains(urlData.AuthorizationURL, s.mockOAuth.URL())

	resp, err := linkCallback(s.baseURL, accessToken, "google", code, urlData.State, callbackURI)
	s.Require().NoError(err)
	return resp
}

func (s *IntegrationTestSuite) TestHealthCheck() {
	resp, err := httpClient.Get(s.baseURL + "/health")
	s.NoError(err)
	defer resp.Body.Close()
	s.Equal(200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	s.Contains(string(body), "ok")
}

func (s *IntegrationTestSuite) TestPasswordAuthFlow() {
	count, _ := countActiveSessions(s.dbPath)
	s.Equal(0, count)

	registerResp, err := register(s.baseURL, "flow@example.com", "password123")
	s.NoError(err)
	registerResp.Body.Close()
	s.Equal(201, registerResp.StatusCode)

	userCount, _ := countPrincipals(s.dbPath)
	s.Equal(1, userCount)

	loginResp, err := login(s.baseURL, "flow@example.com", "password123")
	s.NoError(err)
	s.Equal(200, loginResp.StatusCode)

	loginData, err := parseTokenPair(loginResp)
	s.NoError(err)
	s.NotEmpty(loginData.AccessToken)
	s.NotEmpty(loginData.RefreshToken)
	s.NotEmpty(loginData.PrincipalID)
	s.Equal("Bearer", loginData.TokenType)

	count, _ = countActiveSessions(s.dbPath)
	s.Equal(1, count)

	userInfoResp, err := getUserInfo(s.baseURL, loginData.AccessToken)
	s.NoError(err)
	s.Equal(200, userInfoResp.StatusCode)

	userData, err := parseUserInfo(userInfoResp)
	s.NoError(err)
	s.Equal("flow@example.com", userData.Email)
	s.Equal(loginData.PrincipalID, userData.PrincipalID)
	s.True(userData.HasPassword)

	refreshResp, err := refreshToken(s.baseURL, loginData.RefreshToken)
	s.NoError(err)
	s.Equal(200, refreshResp.StatusCode)

	rotated, err := parseTokenPair(refreshResp)
	s.NoError(err)
	s.NotEqual(loginData.RefreshToken, rotated.RefreshToken)

	// Rotation replaces the session's token in place, no new row.
	count, _ = countActiveSessions(s.dbPath)
	s.Equal(1, count)

	// The pre-rotation refresh token is dead.
	replayResp, err := refreshToken(s.baseURL, loginData.RefreshToken)
	s.NoError(err)
	replayResp.Body.Close()
	s.Equal(401, replayResp.StatusCode)

	logoutResp, err := logout(s.baseURL, rotated.AccessToken, rotated.RefreshToken)
	s.NoError(err)
	s.Equal(200, logoutResp.StatusCode)

	statusData, err := parseStatus(logoutResp)
	s.NoError(err)
	s.Equal("logged_out", statusData.Status)

	count, _ = countActiveSessions(s.dbPath)
	s.Equal(0, count)

	afterLogout, err := refreshToken(s.baseURL, rotated.RefreshToken)
	s.NoError(err)
	afterLogout.Body.Close()
	s.Equal(401, afterLogout.StatusCode)
}

func (s *IntegrationTestSuite) TestMultiSessionManagement() {
	registerResp, _ := register(s.baseURL, "multi@example.com", "password123")
	registerResp.Body.Close()

	session1Resp, _ := login(s.baseURL, "multi@example.com", "password123")
	session1, _ := parseTokenPair(session1Resp)

	session2Resp, _ := login(s.baseURL, "multi@example.com", "password123")
	session2, _ := parseTokenPair(session2Resp)

	session3Resp, _ := login(s.baseURL, "multi@example.com", "password123")
	session3, _ := parseTokenPair(session3Resp)

	count, _ := countActiveSessions(s.dbPath)
	s.Equal(3, count)
	s.Equal(session1.PrincipalID, session2.PrincipalID)
	s.Equal(session2.PrincipalID, session3.PrincipalID)

	logoutResp, _ := logout(s.baseURL, session2.AccessToken, session2.RefreshToken)
	s.Equal(200, logoutResp.StatusCode)
	logoutResp.Body.Close()

	count, _ = countActiveSessions(s.dbPath)
	s.Equal(2, count)

	refresh1, _ := refreshToken(s.baseURL, session1.RefreshToken)
	refresh1.Body.Close()
	s.Equal(200, refresh1.StatusCode)

	refresh2, _ := refreshToken(s.baseURL, session2.RefreshToken)
	refresh2.Body.Close()
	s.Equal(401, refresh2.StatusCode)

	logoutAllResp, _ := logoutAll(s.baseURL, session3.AccessToken)
	s.Equal(200, logoutAllResp.StatusCode)

	statusData, _ := parseStatus(logoutAllResp)
	s.Equal("logged_out_all_devices", statusData.Status)
	s.Equal(2, statusData.RevokedCount)

	count, _ = countActiveSessions(s.dbPath)
	s.Equal(0, count)
}

func (s *IntegrationTestSuite) TestSocialLoginCreatesPrincipal() {
	resp := s.socialLogin("", "valid_code_1")
	s.Equal(200, resp.StatusCode)

	pair, err := parseTokenPair(resp)
	s.NoError(err)
	s.NotEmpty(pair.AccessToken)
	s.NotEmpty(pair.RefreshToken)

	userCount, _ := countPrincipals(s.dbPath)
	s.Equal(1, userCount)
	accountCount, _ := countOAuthAccounts(s.dbPath)
	s.Equal(1, accountCount)

	userInfoResp, _ := getUserInfo(s.baseURL, pair.AccessToken)
	s.Equal(200, userInfoResp.StatusCode)

	userData, _ := parseUserInfo(userInfoResp)
	s.Equal("user1@example.com", userData.Email)
	s.False(userData.HasPassword)
}

func (s *IntegrationTestSuite) TestSocialLoginReusesExistingIdentity() {
	first := s.socialLogin("", "valid_code_1")
	firstPair, _ := parseTokenPair(first)

	second := s.socialLogin("", "valid_code_2")
	secondPair, _ := parseTokenPair(second)

	s.Equal(firstPair.PrincipalID, secondPair.PrincipalID)

	userCount, _ := countPrincipals(s.dbPath)
	s.Equal(1, userCount)
	accountCount, _ := countOAuthAccounts(s.dbPath)
	s.Equal(1, accountCount)
	count, _ := countActiveSessions(s.dbPath)
	s.Equal(2, count)
}

func (s *IntegrationTestSuite) TestSocialLoginMatchesVerifiedEmail() {
	registerResp, _ := register(s.baseURL, "user1@example.com", "password123")
	registerResp.Body.Close()
	s.Equal(201, registerResp.StatusCode)

	resp := s.socialLogin("", "valid_code_1")
	s.Equal(200, resp.StatusCode)

	pair, _ := parseTokenPair(resp)

	// The verified provider email attaches to the local account.
	userCount, _ := countPrincipals(s.dbPath)
	s.Equal(1, userCount)

	userInfoResp, _ := getUserInfo(s.baseURL, pair.AccessToken)
	userData, _ := parseUserInfo(userInfoResp)
	s.Equal("user1@example.com", userData.Email)
	s.True(userData.HasPassword)
}

func (s *IntegrationTestSuite) TestSocialLoginUnverifiedEmailConflicts() {
	registerResp, _ := register(s.baseURL, "unverified@example.com", "password123")
	registerResp.Body.Close()
	s.Equal(201, registerResp.StatusCode)

	resp := s.socialLogin("", "unverified_code_1")
	resp.Body.Close()
	s.Equal(409, resp.StatusCode)

	accountCount, _ := countOAuthAccounts(s.dbPath)
	s.Equal(0, accountCount)
}

func (s *IntegrationTestSuite) TestStateIsSingleUse() {
	urlResp, _ := linkAuthorizeURL(s.baseURL, "", "google", callbackURI)
	urlData, _ := parseAuthorizeURL(urlResp)

	first, _ := linkCallback(s.baseURL, "", "google", "valid_code_1", urlData.State, callbackURI)
	first.Body.Close()
	s.Equal(200, first.StatusCode)

	replay, _ := linkCallback(s.baseURL, "", "google", "valid_code_2", urlData.State, callbackURI)
	replay.Body.Close()
	s.Equal(401, replay.StatusCode)
}

func (s *IntegrationTestSuite) TestLinkProviderToExistingAccount() {
	registerResp, _ := register(s.baseURL, "linker@example.com", "password123")
	registerResp.Body.Close()

	loginResp, _ := login(s.baseURL, "linker@example.com", "password123")
	loginData, _ := parseTokenPair(loginResp)

	resp := s.socialLogin(loginData.AccessToken, "another_user_code_1")
	s.Equal(200, resp.StatusCode)

	pair, _ := parseTokenPair(resp)
	s.Equal(loginData.PrincipalID, pair.PrincipalID)

	userCount, _ := countPrincipals(s.dbPath)
	s.Equal(1, userCount)

	accountsResp, _ := listLinkedAccounts(s.baseURL, loginData.AccessToken)
	s.Equal(200, accountsResp.StatusCode)

	accounts, _ := parseLinkedAccounts(accountsResp)
	s.Require().Len(accounts.Accounts, 1)
	s.Equal("google", accounts.Accounts[0].Provider)
	s.Equal("mock_user_2", accounts.Accounts[0].ProviderUserID)
}

func (s *IntegrationTestSuite) TestSessionIsolationBetweenPrincipals() {
	user1 := s.socialLogin("", "valid_code_1")
	user1Session, _ := parseTokenPair(user1)

	user2 := s.socialLogin("", "another_user_code_1")
	user2Session, _ := parseTokenPair(user2)

	count, _ := countActiveSessions(s.dbPath)
	s.Equal(2, count)
	userCount, _ := countPrincipals(s.dbPath)
	s.Equal(2, userCount)
	s.NotEqual(user1Session.PrincipalID, user2Session.PrincipalID)

	logoutResp, _ := logout(s.baseURL, user1Session.AccessToken, user1Session.RefreshToken)
	logoutResp.Body.Close()
	count, _ = countActiveSessions(s.dbPath)
	s.Equal(1, count)

	user2Refresh, _ := refreshToken(s.baseURL, user2Session.RefreshToken)
	user2Refresh.Body.Close()
	s.Equal(200, user2Refresh.StatusCode)
}

func (s *IntegrationTestSuite) TestMultiRefreshFlow() {
	registerResp, _ := register(s.baseURL, "rotate@example.com", "password123")
	registerResp.Body.Close()

	loginResp, _ := login(s.baseURL, "rotate@example.com", "password123")
	loginData, _ := parseTokenPair(loginResp)

	refreshTok := loginData.RefreshToken
	seen := map[string]bool{refreshTok: true}

	for i := 0; i < 3; i++ {
		resp, err := refreshToken(s.baseURL, refreshTok)
		s.NoError(err)
		s.Equal(200, resp.StatusCode)

		rotated, err := parseTokenPair(resp)
		s.NoError(err)
		s.False(seen[rotated.RefreshToken])
		seen[rotated.RefreshToken] = true
		refreshTok = rotated.RefreshToken
	}

	count, _ := countActiveSessions(s.dbPath)
	s.Equal(1, count)

	final, _ := refreshToken(s.baseURL, refreshTok)
	final.Body.Close()
	s.Equal(200, final.StatusCode)
}

func (s *IntegrationTestSuite) TestInvalidOperations() {
	registerResp, _ := register(s.baseURL, "victim@example.com", "password123")
	registerResp.Body.Close()

	wrongPassword, _ := login(s.baseURL, "victim@example.com", "wrong")
	wrongPassword.Body.Close()
	s.Equal(401, wrongPassword.StatusCode)

	unknownEmail, _ := login(s.baseURL, "nobody@example.com", "password123")
	unknownEmail.Body.Close()
	s.Equal(401, unknownEmail.StatusCode)

	invalidRefresh, _ := refreshToken(s.baseURL, "not-a-real-token")
	invalidRefresh.Body.Close()
	s.Equal(401, invalidRefresh.StatusCode)

	invalidUserInfo, _ := getUserInfo(s.baseURL, "fake-jwt-token")
	invalidUserInfo.Body.Close()
	s.Equal(401, invalidUserInfo.StatusCode)

	invalidLogoutAll, _ := logoutAll(s.baseURL, "bad-token")
	invalidLogoutAll.Body.Close()
	s.Equal(401, invalidLogoutAll.StatusCode)

	urlResp, _ := linkAuthorizeURL(s.baseURL, "", "google", callbackURI)
	urlData, _ := parseAuthorizeURL(urlResp)
	badCode, _ := linkCallback(s.baseURL, "", "google", "invalid_code", urlData.State, callbackURI)
	badCode.Body.Close()
	s.Equal(401, badCode.StatusCode)
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
