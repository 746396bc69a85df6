package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"paylink/auth"
	"paylink/escrow"
	"paylink/feeoracle"
	"paylink/models"
	"paylink/observability/metrics"
	"paylink/relay"
	"paylink/send"
	"paylink/txledger"
	"paylink/userop"
)

type stubRelay struct {
	mu sync.Mutex
}

func (s *stubRelay) Submit(_ context.Context, req relay.SubmitRequest) (*relay.RemoteOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &relay.RemoteOperation{Hash: req.Hash, Status: "INCLUDED", TxHash: "0xfeed", GasUsed: 90_000}, nil
}

func (s *stubRelay) GetByHash(_ context.Context, hash string) (*relay.RemoteOperation, error) {
	return nil, relay.ErrUnknownOperation
}

type stubSigner struct{}

func (stubSigner) Sign(_ context.Context, hash common.Hash) ([]byte, error) {
	return make([]byte, 65), nil
}

type apiFixture struct {
	db       *gorm.DB
	handler  http.Handler
	verifier *auth.Verifier
	escrows  *escrow.Ledger
	metrics  *metrics.Metrics
	sender   models.Account
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	txs := txledger.New(db, nil)
	escrows := escrow.New(escrow.Config{DB: db, Transactions: txs})
	builder := userop.NewBuilder(userop.Config{
		DB:     db,
		Oracle: feeoracle.Static{MaxFee: big.NewInt(2_000_000_000), Tip: big.NewInt(100_000_000)},
		Relay:  &stubRelay{},
	})
	router := send.NewRouter(send.RouterConfig{
		DB:      db,
		Escrows: escrows,
		Direct: send.NewDirectPipeline(send.DirectConfig{
			Transactions: txs,
			Builder:      builder,
			Signer:       stubSigner{},
		}),
		Transactions: txs,
	})
	verifier := auth.NewVerifier([]byte("test-secret"), "paylink")
	m := metrics.New(nil)
	srv := New(Config{
		DB:           db,
		Router:       router,
		Escrows:      escrows,
		Transactions: txs,
		Auth:         verifier,
		Metrics:      m,
	})

	sender := models.Account{
		ID:            uuid.New(),
		Address:       "0x52908400098527886E0F7030069857D2E4169EE7",
		Email:         "sender@example.com",
		DisplayName:   "Sam Sender",
		Deployed:      true,
		BalanceMicros: 1_000_000_000,
	}
	if err := db.Create(&sender).Error; err != nil {
		t.Fatalf("create sender: %v", err)
	}

	return &apiFixture{
		db:       db,
		handler:  srv.Handler(600),
		verifier: verifier,
		escrows:  escrows,
		metrics:  m,
		sender:   sender,
	}
}

func (f *apiFixture) token(t *testing.T, account models.Account) string {
	t.Helper()
	token, err := f.verifier.IssueToken(account.ID, account.Email, account.Phone, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var decoded map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return decoded
}

func TestSendEndpointCreatesEscrow(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, f.sender)

	rec := f.do(t, http.MethodPost, "/v1/send", token, map[string]interface{}{
		"recipient": "pat@example.com",
		"amount":    "25.50",
		"message":   "lunch",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["method"] != "EMAIL" {
		t.Fatalf("method = %v", body["method"])
	}
	if body["trackingId"] == nil || body["trackingId"] == "" {
		t.Fatal("trackingId missing")
	}
	esc := body["escrow"].(map[string]interface{})
	if esc["amount"] != "25.50" || esc["status"] != "PENDING" {
		t.Fatalf("escrow = %v", esc)
	}

	// list shows it
	listRec := f.do(t, http.MethodGet, "/v1/escrows", token, nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	listBody := decodeBody(t, listRec)
	if len(listBody["escrows"].([]interface{})) != 1 {
		t.Fatalf("escrows = %v", listBody["escrows"])
	}
}

func TestSendEndpointDirect(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/send", f.token(t, f.sender), map[string]interface{}{
		"recipient": "0x8617E340B3D01FA5F11F306F4090FD50E238070D",
		"amount":    "10",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["method"] != "WALLET" {
		t.Fatalf("method = %v", body["method"])
	}
	tx := body["transaction"].(map[string]interface{})
	if tx["status"] != "COMPLETED" || tx["txHash"] != "0xfeed" {
		t.Fatalf("transaction = %v", tx)
	}
	if body["escrow"] != nil {
		t.Fatal("direct send must not return an escrow")
	}
}

func TestSendEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/send", f.token(t, f.sender), map[string]interface{}{
		"recipient": "pat@example.com",
		"amount":    "10.0000001",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSendEndpointInsufficientFunds(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/send", f.token(t, f.sender), map[string]interface{}{
		"recipient": "pat@example.com",
		"amount":    "5000",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSendEndpointRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/send", "", map[string]interface{}{
		"recipient": "pat@example.com",
		"amount":    "5",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func createEscrowVia(t *testing.T, f *apiFixture, recipientID string) (escrowID, trackingID string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/send", f.token(t, f.sender), map[string]interface{}{
		"recipient": recipientID,
		"amount":    "20",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	esc := body["escrow"].(map[string]interface{})
	return esc["id"].(string), esc["trackingId"].(string)
}

func TestClaimEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	escrowID, _ := createEscrowVia(t, f, "pat@example.com")

	claimant := models.Account{
		ID:      uuid.New(),
		Address: "0x8617E340B3D01FA5F11F306F4090FD50E238070D",
		Email:   "pat@example.com",
	}
	if err := f.db.Create(&claimant).Error; err != nil {
		t.Fatalf("create claimant: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/escrows/"+escrowID+"/claim", f.token(t, claimant), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	esc := body["escrow"].(map[string]interface{})
	if esc["status"] != "CLAIMED" {
		t.Fatalf("escrow = %v", esc)
	}

	// second claim conflicts
	again := f.do(t, http.MethodPost, "/v1/escrows/"+escrowID+"/claim", f.token(t, claimant), nil)
	if again.Code != http.StatusConflict {
		t.Fatalf("double claim status = %d", again.Code)
	}
}

func TestClaimWithTrackingTokenOnly(t *testing.T) {
	f := newAPIFixture(t)
	_, trackingID := createEscrowVia(t, f, "pat@example.com")

	claimant := models.Account{
		ID:      uuid.New(),
		Address: "0xDE709F2102306220921060314715629080E2FB77",
		Email:   "pat@example.com",
	}
	if err := f.db.Create(&claimant).Error; err != nil {
		t.Fatalf("create claimant: %v", err)
	}

	// the claim link carries only the tracking token, never the escrow uuid
	rec := f.do(t, http.MethodPost, "/v1/claims/"+trackingID+"/claim", f.token(t, claimant), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["escrow"].(map[string]interface{})["status"] != "CLAIMED" {
		t.Fatalf("escrow = %v", body["escrow"])
	}

	// the escrows route resolves the token too; the conflict proves it
	// reached the already-claimed payment rather than 400ing on the format
	again := f.do(t, http.MethodPost, "/v1/escrows/"+trackingID+"/claim", f.token(t, claimant), nil)
	if again.Code != http.StatusConflict {
		t.Fatalf("token on escrows route: status = %d, body %s", again.Code, again.Body.String())
	}

	missing := f.do(t, http.MethodPost, "/v1/claims/doesnotexist/claim", f.token(t, claimant), nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unknown token: status = %d", missing.Code)
	}
}

func TestClaimWrongIdentifierForbidden(t *testing.T) {
	f := newAPIFixture(t)
	escrowID, _ := createEscrowVia(t, f, "pat@example.com")

	interloper := models.Account{ID: uuid.New(), Address: "0xDE709F2102306220921060314715629080E2FB77", Email: "mallory@example.com"}
	if err := f.db.Create(&interloper).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/v1/escrows/"+escrowID+"/claim", f.token(t, interloper), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	escrowID, _ := createEscrowVia(t, f, "pat@example.com")

	rec := f.do(t, http.MethodPost, "/v1/escrows/"+escrowID+"/cancel", f.token(t, f.sender), map[string]string{"reason": "typo"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["escrow"].(map[string]interface{})["status"] != "CANCELLED" {
		t.Fatalf("escrow = %v", body["escrow"])
	}

	// only the sender may cancel
	other := models.Account{ID: uuid.New(), Address: "0xDE709F2102306220921060314715629080E2FB77", Email: "other@example.com"}
	if err := f.db.Create(&other).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	escrowID2, _ := createEscrowVia(t, f, "pat2@example.com")
	forbidden := f.do(t, http.MethodPost, "/v1/escrows/"+escrowID2+"/cancel", f.token(t, other), nil)
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("status = %d", forbidden.Code)
	}
}

func TestTrackingViewIsPublicAndRedacted(t *testing.T) {
	f := newAPIFixture(t)
	_, trackingID := createEscrowVia(t, f, "pat@example.com")

	rec := f.do(t, http.MethodGet, "/v1/claims/"+trackingID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["amount"] != "20.00" || body["status"] != "PENDING" {
		t.Fatalf("body = %v", body)
	}
	if body["senderName"] != "Sam Sender" {
		t.Fatalf("senderName = %v", body["senderName"])
	}
	if _, leaked := body["recipient"]; leaked {
		t.Fatal("tracking view must not expose the recipient identifier")
	}

	missing := f.do(t, http.MethodGet, "/v1/claims/doesnotexist", "", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("status = %d", missing.Code)
	}
}

func TestEngagementEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	_, trackingID := createEscrowVia(t, f, "pat@example.com")

	rec := f.do(t, http.MethodPost, "/v1/claims/"+trackingID+"/engagement", "", map[string]string{"state": "opened"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	view := f.do(t, http.MethodGet, "/v1/claims/"+trackingID, "", nil)
	if decodeBody(t, view)["status"] != "OPENED" {
		t.Fatal("engagement not recorded")
	}

	bad := f.do(t, http.MethodPost, "/v1/claims/"+trackingID+"/engagement", "", map[string]string{"state": "EXPLODED"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", bad.Code)
	}
}

func TestRecipientPreviewEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/recipients/preview?q=pat%40example.com&amount=12.5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["kind"] != "EMAIL" || body["requiresEscrow"] != true {
		t.Fatalf("body = %v", body)
	}
	if body["amount"] != "12.50" {
		t.Fatalf("amount = %v", body["amount"])
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestDurationObserved(t *testing.T) {
	f := newAPIFixture(t)
	if got := f.do(t, http.MethodGet, "/healthz", "", nil); got.Code != http.StatusOK {
		t.Fatalf("status = %d", got.Code)
	}
	_, trackingID := createEscrowVia(t, f, "pat@example.com")
	f.do(t, http.MethodGet, "/v1/claims/"+trackingID, "", nil)

	if got := testutil.CollectAndCount(f.metrics.RequestDuration); got < 2 {
		t.Fatalf("duration series = %d, want at least one per route", got)
	}
}
