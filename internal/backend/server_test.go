package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dontskiphq/dontskip/internal/remote"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testSigningKey = "test-signing-key"

func newTestRouter(test *testing.T) *gin.Engine {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	if err := Migrate(database); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	cfg := Config{TokenSigningKey: testSigningKey}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate config: %v", err)
	}
	return setupRouter(cfg, database, zap.NewNop())
}

func mintTestToken(test *testing.T, userID string) string {
	test.Helper()
	token, err := MintToken([]byte(testSigningKey), defaultTokenIssuer, userID, time.Hour)
	if err != nil {
		test.Fatalf("mint token: %v", err)
	}
	return token
}

func perform(test *testing.T, router *gin.Engine, method string, path string, token string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			test.Fatalf("encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBalance(test *testing.T, recorder *httptest.ResponseRecorder) (available int64, emergency int64, maxDaily int64) {
	test.Helper()
	var payload struct {
		AvailableCredits int64 `json:"availableCredits"`
		EmergencyCredits int64 `json:"emergencyCredits"`
		MaxDailyCredits  int64 `json:"maxDailyCredits"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode balance: %v", err)
	}
	return payload.AvailableCredits, payload.EmergencyCredits, payload.MaxDailyCredits
}

func TestRequestsWithoutTokenAreRejected(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)

	recorder := perform(test, router, http.MethodGet, "/api/v1/credits", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	wrongKey, err := MintToken([]byte("some-other-key"), defaultTokenIssuer, "alice", time.Hour)
	if err != nil {
		test.Fatalf("mint token: %v", err)
	}
	recorder = perform(test, router, http.MethodGet, "/api/v1/credits", wrongKey, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 with wrong key, got %d", recorder.Code)
	}
}

func TestBalanceProvisionsAccountOnFirstContact(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := mintTestToken(test, "alice")

	recorder := perform(test, router, http.MethodGet, "/api/v1/credits", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	available, emergency, maxDaily := decodeBalance(test, recorder)
	if available != defaultStartingMinutes || emergency != defaultEmergencyAllowance || maxDaily != defaultMaxDailyMinutes {
		test.Fatalf("unexpected provisioned balance %d/%d/%d", available, emergency, maxDaily)
	}
}

func TestGrantThenSpendRoundTrip(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := mintTestToken(test, "alice")

	recorder := perform(test, router, http.MethodPost, "/api/v1/credits/grant", token,
		map[string]any{"minutes": 450, "source": "strength workout"})
	if recorder.Code != http.StatusOK {
		test.Fatalf("grant: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	available, _, _ := decodeBalance(test, recorder)
	if available != 450 {
		test.Fatalf("expected 450 after grant, got %d", available)
	}

	recorder = perform(test, router, http.MethodPost, "/api/v1/credits/spend", token,
		map[string]any{"minutes": 30, "reason": "focused editor time (30 min)"})
	if recorder.Code != http.StatusOK {
		test.Fatalf("spend: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	available, _, _ = decodeBalance(test, recorder)
	if available != 420 {
		test.Fatalf("expected 420 after spend, got %d", available)
	}
}

func TestSpendFloorsAtZero(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := mintTestToken(test, "alice")

	perform(test, router, http.MethodPost, "/api/v1/credits/grant", token,
		map[string]any{"minutes": 10})
	recorder := perform(test, router, http.MethodPost, "/api/v1/credits/spend", token,
		map[string]any{"minutes": 45})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	available, _, _ := decodeBalance(test, recorder)
	if available != 0 {
		test.Fatalf("expected balance floored at zero, got %d", available)
	}
}

func TestEmergencyGrantMovesAllowance(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := mintTestToken(test, "alice")

	recorder := perform(test, router, http.MethodPost, "/api/v1/credits/emergency", token,
		map[string]any{"minutes": 30})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	available, emergency, _ := decodeBalance(test, recorder)
	if available != 30 || emergency != defaultEmergencyAllowance-30 {
		test.Fatalf("unexpected balance after emergency grant: %d/%d", available, emergency)
	}
}

func TestEmergencyGrantEnforcesServerSideLimits(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := mintTestToken(test, "alice")

	// Past the per-grant cap.
	recorder := perform(test, router, http.MethodPost, "/api/v1/credits/emergency", token,
		map[string]any{"minutes": defaultEmergencyGrantCap + 1})
	if recorder.Code != http.StatusUnprocessableEntity {
		test.Fatalf("expected 422 past the grant cap, got %d", recorder.Code)
	}

	// Drain the allowance in cap-sized bites, then one more is refused whole.
	remaining := defaultEmergencyAllowance
	for remaining > 0 {
		bite := min(remaining, defaultEmergencyGrantCap)
		recorder = perform(test, router, http.MethodPost, "/api/v1/credits/emergency", token,
			map[string]any{"minutes": bite})
		if recorder.Code != http.StatusOK {
			test.Fatalf("expected 200 draining allowance, got %d: %s", recorder.Code, recorder.Body.String())
		}
		remaining -= bite
	}
	recorder = perform(test, router, http.MethodPost, "/api/v1/credits/emergency", token,
		map[string]any{"minutes": 1})
	if recorder.Code != http.StatusUnprocessableEntity {
		test.Fatalf("expected 422 with allowance exhausted, got %d", recorder.Code)
	}
}

func TestResetRestoresProvisionedDefaults(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	token := mintTestToken(test, "alice")

	perform(test, router, http.MethodPost, "/api/v1/credits/grant", token, map[string]any{"minutes": 300})
	perform(test, router, http.MethodPost, "/api/v1/credits/emergency", token, map[string]any{"minutes": 30})

	recorder := perform(test, router, http.MethodDelete, "/api/v1/credits", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	available, emergency, maxDaily := decodeBalance(test, recorder)
	if available != defaultStartingMinutes || emergency != defaultEmergencyAllowance || maxDaily != defaultMaxDailyMinutes {
		test.Fatalf("reset did not restore defaults: %d/%d/%d", available, emergency, maxDaily)
	}
}

func TestAccountsAreIsolatedPerSubject(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	alice := mintTestToken(test, "alice")
	bob := mintTestToken(test, "bob")

	perform(test, router, http.MethodPost, "/api/v1/credits/grant", alice, map[string]any{"minutes": 120})

	recorder := perform(test, router, http.MethodGet, "/api/v1/credits", bob, nil)
	available, _, _ := decodeBalance(test, recorder)
	if available != defaultStartingMinutes {
		test.Fatalf("bob sees alice's grant: %d", available)
	}
}

// The agent-side client and the service agree on the wire contract.
func TestAgentClientSpeaksTheServiceContract(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test)
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)

	client, err := remote.NewClient(remote.Config{
		BaseURL: server.URL,
		Token:   mintTestToken(test, "alice"),
	}, zap.NewNop())
	if err != nil {
		test.Fatalf("new client: %v", err)
	}

	ctx := context.Background()
	perform(test, router, http.MethodPost, "/api/v1/credits/grant", mintTestToken(test, "alice"),
		map[string]any{"minutes": 200})

	balance, err := client.Balance(ctx)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.AvailableMinutes != 200 {
		test.Fatalf("expected 200 available, got %d", balance.AvailableMinutes)
	}

	if err := client.Spend(ctx, 60, "focused editor time (60 min)"); err != nil {
		test.Fatalf("spend: %v", err)
	}
	balance, err = client.Balance(ctx)
	if err != nil {
		test.Fatalf("balance after spend: %v", err)
	}
	if balance.AvailableMinutes != 140 {
		test.Fatalf("expected 140 available after spend, got %d", balance.AvailableMinutes)
	}

	if err := client.GrantEmergency(ctx, 30); err != nil {
		test.Fatalf("grant emergency: %v", err)
	}
	if err := client.ResetAll(ctx); err != nil {
		test.Fatalf("reset: %v", err)
	}
	balance, err = client.Balance(ctx)
	if err != nil {
		test.Fatalf("balance after reset: %v", err)
	}
	if int64(balance.AvailableMinutes) != defaultStartingMinutes || int64(balance.EmergencyMinutes) != defaultEmergencyAllowance {
		test.Fatalf("reset not reflected over the wire: %+v", balance)
	}
}
