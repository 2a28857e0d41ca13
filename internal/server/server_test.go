package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"marketline/internal/auth"
	"marketline/internal/book"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/events"
	"marketline/internal/migrate"
	"marketline/internal/repo"
	"marketline/internal/wallet"
	booksdk "marketline/sdk/go"
)

const (
	testChain = 134
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

var (
	testHub = common.HexToAddress("0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f")
	testApp = common.HexToAddress("0x1a69b2EB604dB8eBa185dF03ea4F5288dcbbD248")
	testDom = eip712.Domain{ChainID: testChain, VerifyingContract: testHub}
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	handler, err := New(Config{
		Book: book.Service{Repo: r, Events: events.Writer{DB: conn}, Domain: testDom},
		Auth: auth.Service{Repo: r},
		Log:  zerolog.Nop(),
		Dev:  true,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func errorMessage(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode error body %s: %v", data, err)
	}
	return body.Error
}

func testSigner(t *testing.T) *wallet.KeySigner {
	t.Helper()
	s, err := wallet.FromHex(testKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

func signedAppOrder(t *testing.T, s wallet.Signer, salt byte) (domain.Order, common.Hash) {
	t.Helper()
	o := domain.AppOrder{
		App:      testApp,
		AppPrice: domain.NewUint256(1),
		Volume:   domain.NewUint256(10),
		Salt:     common.Hash{salt},
	}
	signed, hash, err := wallet.SignOrder(s, o, testDom)
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}
	return signed, hash
}

func TestOrderLifecycleThroughSDK(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	s := testSigner(t)
	client := booksdk.New(srv.URL)

	token, err := client.Authenticate(ctx, testChain, s.Address(), s)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	order, want := signedAppOrder(t, s, 1)
	got, err := client.Publish(ctx, testChain, order, token)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got != want {
		t.Fatalf("published hash %s, want %s", got.Hex(), want.Hex())
	}

	po, err := client.FetchOrder(ctx, domain.KindApp, testChain, want)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if po.Signer != s.Address() || po.Status != repo.StatusOpen || po.Remaining != domain.NewUint256(10) {
		t.Fatalf("unexpected published order: %+v", po)
	}
	decoded, err := po.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.(domain.AppOrder).App != testApp {
		t.Fatalf("decoded app %s", decoded.(domain.AppOrder).App.Hex())
	}

	if _, err := client.Publish(ctx, testChain, order, token); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	hashes, err := client.Unpublish(ctx, testChain, domain.KindApp, booksdk.ByHash(want), token)
	if err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != want {
		t.Fatalf("unpublished %v", hashes)
	}
}

func TestUnpublishAllByResource(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	s := testSigner(t)
	client := booksdk.New(srv.URL)
	token, err := client.Authenticate(ctx, testChain, s.Address(), s)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	for salt := byte(1); salt <= 3; salt++ {
		o, _ := signedAppOrder(t, s, salt)
		if _, err := client.Publish(ctx, testChain, o, token); err != nil {
			t.Fatalf("publish %d: %v", salt, err)
		}
	}
	hashes, err := client.Unpublish(ctx, testChain, domain.KindApp, booksdk.Last(testApp), token)
	if err != nil || len(hashes) != 1 {
		t.Fatalf("unpublish last: %v %v", hashes, err)
	}
	hashes, err = client.Unpublish(ctx, testChain, domain.KindApp, booksdk.All(testApp), token)
	if err != nil || len(hashes) != 2 {
		t.Fatalf("unpublish all: %v %v", hashes, err)
	}
}

func TestPublishRequiresAuthorization(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	s := testSigner(t)
	order, _ := signedAppOrder(t, s, 1)
	body := map[string]any{"chainId": testChain, "order": order}

	resp, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/apporders", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", resp.StatusCode, data)
	}
	if msg := errorMessage(t, data); msg == "" {
		t.Fatalf("empty error message")
	}

	resp, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/apporders", body, map[string]string{"Authorization": "0x01_0x02_nope"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token status %d: %s", resp.StatusCode, data)
	}
}

func TestPublishRejectsOrderSignedByAnotherAccount(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	s := testSigner(t)
	other, err := wallet.FromHex("8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f")
	if err != nil {
		t.Fatalf("other signer: %v", err)
	}
	client := booksdk.New(srv.URL)
	token, err := client.Authenticate(ctx, testChain, s.Address(), s)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	order, _ := signedAppOrder(t, other, 1)
	if _, err := client.Publish(ctx, testChain, order, token); !errors.Is(err, domain.ErrAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestChallengeValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	url := fmt.Sprintf("%s/challenge?chainId=%d&address=%s", srv.URL, 1, testApp.Hex())
	resp, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", resp.StatusCode, data)
	}
	if !strings.Contains(errorMessage(t, data), "chainId 1") {
		t.Fatalf("unexpected error %s", data)
	}

	url = fmt.Sprintf("%s/challenge?chainId=%d&address=nope", srv.URL, testChain)
	resp, _ = doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad address status %d", resp.StatusCode)
	}
}

func TestFetchUnknownOrder(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, err := booksdk.New(srv.URL).FetchOrder(context.Background(), domain.KindWorkerpool, testChain, common.HexToHash("0x0a"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	resp, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/workerpoolorders/0x12", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short hash status %d", resp.StatusCode)
	}
}

func TestDealPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	s := testSigner(t)
	client := booksdk.New(srv.URL)
	token, err := client.Authenticate(ctx, testChain, s.Address(), s)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	order, hash := signedAppOrder(t, s, 1)
	if _, err := client.Publish(ctx, testChain, order, token); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 1; i <= 25; i++ {
		deal := domain.Deal{
			DealID:      common.HexToHash(fmt.Sprintf("0x%x", i)),
			AppHash:     hash,
			RequestHash: common.HexToHash(fmt.Sprintf("0xff%02x", i)),
			Volume:      domain.NewUint256(1),
		}
		resp, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/dev/deals", deal, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("record deal %d: %d %s", i, resp.StatusCode, data)
		}
	}

	pages, err := client.FetchDeals(ctx, domain.KindApp, testChain, hash)
	if err != nil {
		t.Fatalf("fetch deals: %v", err)
	}
	if first := pages.Page(); first.Count != 25 || len(first.Deals) != book.PageSize || first.NextPage == nil {
		t.Fatalf("unexpected first page: count=%d deals=%d", first.Count, len(first.Deals))
	}
	all, err := pages.All(ctx)
	if err != nil {
		t.Fatalf("all deals: %v", err)
	}
	if len(all) != 25 {
		t.Fatalf("got %d deals", len(all))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	resp, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health %d: %s", resp.StatusCode, data)
	}
	s := testSigner(t)
	if _, err := booksdk.New(srv.URL).Authenticate(context.Background(), testChain, s.Address(), s); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	resp, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "marketline_book_challenges_total") {
		t.Fatalf("metrics missing challenge counter")
	}
}

func TestDevRoutesDisabledByDefault(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	handler, err := New(Config{Book: book.Service{Domain: testDom}, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())
	resp, _ := doJSON(t, &http.Client{}, http.MethodPost, "http://"+ln.Addr().String()+"/dev/deals", map[string]any{}, nil)
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("dev route status %d", resp.StatusCode)
	}
}
