package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"marketline/internal/app"
	"marketline/internal/auth"
	"marketline/internal/book"
	"marketline/internal/config"
	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/engine"
	"marketline/internal/events"
	"marketline/internal/ledger"
	"marketline/internal/order"
	"marketline/internal/repo"
	"marketline/internal/server"
	"marketline/internal/wallet"
	booksdk "marketline/sdk/go"
)

var (
	hubAddr  = common.HexToAddress("0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f")
	appAddr  = common.HexToAddress("0x1a69b2EB604dB8eBa185dF03ea4F5288dcbbD248")
	poolAddr = common.HexToAddress("0x2a5F8a5eE8b7f8B7Dc2F4a0e7C6d2F41f0A7A9b8")
	allKinds = []domain.Kind{domain.KindApp, domain.KindDataset, domain.KindWorkerpool, domain.KindRequest}
)

type testEnv struct {
	Engine engine.Engine
	Ledger *ledger.Memory
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := app.OpenDB(dir, "")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	bookDB, err := app.OpenDB(dir, "book.db")
	if err != nil {
		t.Fatalf("open book db: %v", err)
	}
	t.Cleanup(func() { bookDB.Close() })

	cfg := config.Default()
	cfg.Deployed = config.Deployed{
		App:        map[string]string{"134": appAddr.Hex()},
		Workerpool: map[string]string{"134": poolAddr.Hex()},
	}
	chain, err := cfg.Chain("bellecour")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	dom := eip712.Domain{ChainID: chain.ID, VerifyingContract: hubAddr}

	handler, err := server.New(server.Config{
		Book: book.Service{Repo: repo.Repo{DB: bookDB}, Events: events.Writer{DB: bookDB}, Domain: dom},
		Auth: auth.Service{Repo: repo.Repo{DB: bookDB}},
		Log:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("book handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mem := ledger.NewMemory(dom)
	mem.Deploy(domain.KindApp, appAddr)
	mem.Deploy(domain.KindWorkerpool, poolAddr)

	signer, err := wallet.FromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	eng := engine.Engine{
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn},
		Context: &app.Context{Workspace: dir, Config: cfg, Chain: chain},
		Domain:  dom,
		Book:    booksdk.New(srv.URL),
		Ledger:  mem,
		Signer:  signer,
		Log:     zerolog.Nop(),
		Now:     func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return testEnv{Engine: eng, Ledger: mem, Ctx: context.Background()}
}

func TestSignPartialFailureNamesMissingKind(t *testing.T) {
	env := newTestEnv(t)
	res := env.Engine.Init(env.Ctx, allKinds)
	if res.Outcome() != engine.Partial || len(res.Failed) != 1 || res.Failed[0].Kind != domain.KindDataset {
		t.Fatalf("unexpected init result: %+v", res)
	}

	res = env.Engine.Sign(env.Ctx, allKinds, engine.SignOptions{})
	if res.Outcome() != engine.Partial {
		t.Fatalf("expected partial outcome, got %s: %v", res.Outcome(), res.Err())
	}
	if len(res.Success) != 3 {
		t.Fatalf("expected 3 signed orders, got %d", len(res.Success))
	}
	if len(res.Failed) != 1 || res.Failed[0].Kind != domain.KindDataset {
		t.Fatalf("unexpected failures: %+v", res.Failed)
	}
	if !strings.HasPrefix(res.Failed[0].String(), "datasetorder: ") {
		t.Fatalf("failure should name datasetorder: %s", res.Failed[0])
	}
	if !errors.Is(res.Failed[0].Err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", res.Failed[0].Err)
	}

	signed := res.Success[domain.KindRequest].(engine.Signed)
	req := signed.Order.(domain.RequestOrder)
	if req.Requester != env.Engine.Signer.Address() || req.App != appAddr {
		t.Fatalf("unexpected request defaults: %+v", req)
	}
	local, err := env.Engine.Repo.LatestSignedOrder(env.Ctx, 134, domain.KindRequest)
	if err != nil || local.Hash != signed.Hash {
		t.Fatalf("signed request not stored: %v", err)
	}
}

func TestSignRequestWithDatasetNeedsDatasetMaxPrice(t *testing.T) {
	env := newTestEnv(t)
	draft := order.RequestDraft{Dataset: "0x000000000000000000000000000000000000d5e7"}
	if err := env.Engine.Repo.SaveTemplate(env.Ctx, 134, domain.KindRequest, draft, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("save template: %v", err)
	}
	res := env.Engine.Sign(env.Ctx, []domain.Kind{domain.KindRequest}, engine.SignOptions{SkipRequestCheck: true})
	if res.Outcome() != engine.Failed || !errors.Is(res.Failed[0].Err, domain.ErrValidation) {
		t.Fatalf("expected validation failure, got %+v", res)
	}
	if !strings.Contains(res.Failed[0].Message, "datasetmaxprice") {
		t.Fatalf("failure should name datasetmaxprice: %s", res.Failed[0])
	}

	draft.DatasetMaxPrice = "3"
	if err := env.Engine.Repo.SaveTemplate(env.Ctx, 134, domain.KindRequest, draft, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("save template: %v", err)
	}
	res = env.Engine.Sign(env.Ctx, []domain.Kind{domain.KindRequest}, engine.SignOptions{SkipRequestCheck: true})
	if err := res.Err(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := res.Success[domain.KindRequest].(engine.Signed).Order.(domain.RequestOrder).DatasetMaxPrice; got != domain.NewUint256(3) {
		t.Fatalf("datasetmaxprice = %s", got)
	}
}

func TestSignWithoutWallet(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Init(env.Ctx, []domain.Kind{domain.KindApp})
	env.Engine.Signer = nil
	res := env.Engine.Sign(env.Ctx, []domain.Kind{domain.KindApp}, engine.SignOptions{})
	if res.Outcome() != engine.Failed || !errors.Is(res.Failed[0].Err, domain.ErrSigning) {
		t.Fatalf("expected signing failure, got %+v", res)
	}
}

func TestSignRejectsUndeployedResource(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Init(env.Ctx, []domain.Kind{domain.KindApp})
	env.Engine.Ledger = ledger.NewMemory(env.Engine.Domain)
	res := env.Engine.Sign(env.Ctx, []domain.Kind{domain.KindApp}, engine.SignOptions{})
	if res.Outcome() != engine.Failed || !strings.Contains(res.Failed[0].Message, "no app deployed") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPublishShowUnpublish(t *testing.T) {
	env := newTestEnv(t)
	kinds := []domain.Kind{domain.KindApp, domain.KindWorkerpool}
	env.Engine.Init(env.Ctx, kinds)
	if err := env.Engine.Sign(env.Ctx, kinds, engine.SignOptions{}).Err(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	res := env.Engine.Publish(env.Ctx, kinds, engine.PublishOptions{})
	if err := res.Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	appHash := res.Success[domain.KindApp].(engine.Published).Hash

	res = env.Engine.Show(env.Ctx, []domain.Kind{domain.KindApp}, nil, true)
	if err := res.Err(); err != nil {
		t.Fatalf("show: %v", err)
	}
	shown := res.Success[domain.KindApp].(engine.Shown)
	if shown.Order.OrderHash != appHash || shown.Order.Signer != env.Engine.Signer.Address() {
		t.Fatalf("unexpected shown order %+v", shown.Order)
	}
	if len(shown.Deals) != 0 {
		t.Fatalf("expected no deals, got %d", len(shown.Deals))
	}

	res = env.Engine.Unpublish(env.Ctx, kinds, map[domain.Kind]engine.Target{
		domain.KindWorkerpool: {Mode: engine.TargetAll},
	})
	if err := res.Err(); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if got := res.Success[domain.KindApp].(engine.Unpublished).Hashes; len(got) != 1 || got[0] != appHash {
		t.Fatalf("unexpected unpublished app hashes %v", got)
	}
	if got := res.Success[domain.KindWorkerpool].(engine.Unpublished).Hashes; len(got) != 1 {
		t.Fatalf("unexpected unpublished pool hashes %v", got)
	}

	res = env.Engine.Publish(env.Ctx, []domain.Kind{domain.KindRequest}, engine.PublishOptions{})
	if res.Outcome() != engine.Failed || !errors.Is(res.Failed[0].Err, domain.ErrNotFound) {
		t.Fatalf("publishing an unsigned kind should fail: %+v", res)
	}
}

func TestFillWithRequestOnTheFly(t *testing.T) {
	env := newTestEnv(t)
	kinds := []domain.Kind{domain.KindApp, domain.KindWorkerpool}
	env.Engine.Init(env.Ctx, kinds)
	if err := env.Engine.Sign(env.Ctx, kinds, engine.SignOptions{}).Err(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	params := `{"iexec_args":"hello"}`
	filled, err := env.Engine.Fill(env.Ctx, engine.FillOptions{Params: &params})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if filled.Volume != domain.NewUint256(1) || filled.DealID == (common.Hash{}) || filled.TxHash == (common.Hash{}) {
		t.Fatalf("unexpected fill %+v", filled)
	}
	if len(env.Ledger.Deals()) != 1 {
		t.Fatalf("expected one deal")
	}

	// The workerpool order had a volume of one.
	_, err = env.Engine.Fill(env.Ctx, engine.FillOptions{Params: &params})
	if !errors.Is(err, domain.ErrIncompatible) {
		t.Fatalf("expected incompatible orders, got %v", err)
	}
	if len(env.Ledger.Deals()) != 1 {
		t.Fatalf("no deal should be submitted after a failed precheck")
	}
}

func TestFillFromBookHashes(t *testing.T) {
	env := newTestEnv(t)
	kinds := []domain.Kind{domain.KindApp, domain.KindWorkerpool, domain.KindRequest}
	env.Engine.Init(env.Ctx, kinds)
	if err := env.Engine.Sign(env.Ctx, kinds, engine.SignOptions{}).Err(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	res := env.Engine.Publish(env.Ctx, []domain.Kind{domain.KindApp}, engine.PublishOptions{})
	if err := res.Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	appHash := res.Success[domain.KindApp].(engine.Published).Hash
	filled, err := env.Engine.Fill(env.Ctx, engine.FillOptions{App: &appHash})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if filled.Volume != domain.NewUint256(1) {
		t.Fatalf("unexpected volume %s", filled.Volume)
	}

	unknown := common.HexToHash("0xdead")
	_, err = env.Engine.Fill(env.Ctx, engine.FillOptions{Workerpool: &unknown})
	if !errors.Is(err, domain.ErrNotFound) || !strings.Contains(err.Error(), "not published") {
		t.Fatalf("expected not published error, got %v", err)
	}
}

func TestFillMissingOrders(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Init(env.Ctx, []domain.Kind{domain.KindApp})
	if err := env.Engine.Sign(env.Ctx, []domain.Kind{domain.KindApp}, engine.SignOptions{}).Err(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	params := "{}"
	_, err := env.Engine.Fill(env.Ctx, engine.FillOptions{Params: &params})
	if !errors.Is(err, domain.ErrValidation) || !strings.Contains(err.Error(), "workerpoolorder") {
		t.Fatalf("expected missing workerpoolorder, got %v", err)
	}
}

func TestFillMissingRequestWithoutParams(t *testing.T) {
	env := newTestEnv(t)
	kinds := []domain.Kind{domain.KindApp, domain.KindWorkerpool}
	env.Engine.Init(env.Ctx, kinds)
	if err := env.Engine.Sign(env.Ctx, kinds, engine.SignOptions{}).Err(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err := env.Engine.Fill(env.Ctx, engine.FillOptions{})
	if !errors.Is(err, domain.ErrValidation) || !strings.Contains(err.Error(), "requestorder") {
		t.Fatalf("expected missing requestorder, got %v", err)
	}
}

// untrustedBook answers every order lookup with the same workerpool order,
// echoing the requested hash when echo is set.
func untrustedBook(t *testing.T, echo bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := "0x0000000000000000000000000000000000000000000000000000000000000001"
		if echo {
			hash = path.Base(r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"orderHash":%q,"chainId":134,"kind":"workerpoolorder","remaining":"1","status":"open",
"order":{"workerpool":%q,"workerpoolprice":"0","volume":"1","tag":"0x0000000000000000000000000000000000000000000000000000000000000000","category":"0","trust":"0","sign":"0x01"}}`,
			hash, strings.ToLower(poolAddr.Hex()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFillRejectsBookAnsweringWithAnotherKind(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Book = booksdk.New(untrustedBook(t, true).URL)
	h := common.HexToHash("0xabc")
	_, err := env.Engine.Fill(env.Ctx, engine.FillOptions{App: &h, Workerpool: &h, Request: &h})
	if !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestFillRejectsBookOrderWithForeignHash(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Book = booksdk.New(untrustedBook(t, true).URL)
	h := common.HexToHash("0xabc")
	_, err := env.Engine.Fill(env.Ctx, engine.FillOptions{Workerpool: &h})
	if !errors.Is(err, domain.ErrProtocol) || !strings.Contains(err.Error(), "hashing to") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestCancelClosesLocalOrder(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Init(env.Ctx, []domain.Kind{domain.KindApp})
	res := env.Engine.Sign(env.Ctx, []domain.Kind{domain.KindApp}, engine.SignOptions{})
	if err := res.Err(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed := res.Success[domain.KindApp].(engine.Signed)

	res = env.Engine.Cancel(env.Ctx, []domain.Kind{domain.KindApp, domain.KindRequest})
	if res.Outcome() != engine.Partial {
		t.Fatalf("expected partial cancel, got %+v", res)
	}
	cancelled := res.Success[domain.KindApp].(engine.Cancelled)
	if cancelled.Hash != signed.Hash || cancelled.TxHash == (common.Hash{}) {
		t.Fatalf("unexpected cancel %+v", cancelled)
	}
	consumed, err := env.Ledger.Consumed(env.Ctx, signed.Hash)
	if err != nil || consumed != signed.Order.OrderVolume() {
		t.Fatalf("order not closed: %s %v", consumed, err)
	}
}

func TestResultOutcome(t *testing.T) {
	ok := engine.Result{Success: map[domain.Kind]any{domain.KindApp: 1}}
	if ok.Outcome() != engine.Succeeded || ok.Err() != nil {
		t.Fatalf("expected success")
	}
	failed := engine.Result{Failed: []engine.Failure{{Kind: domain.KindApp, Message: "boom"}}}
	if failed.Outcome() != engine.Failed || failed.Err().Error() != "failed: apporder: boom" {
		t.Fatalf("unexpected failure rendering: %v", failed.Err())
	}
}
