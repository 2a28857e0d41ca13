package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marketline/internal/auth"
	"marketline/internal/book"
	"marketline/internal/domain"
	"marketline/internal/metrics"
)

// Config for the order book HTTP handler.
type Config struct {
	Book book.Service
	Auth auth.Service
	Log  zerolog.Logger
	// Dev enables POST /dev/deals, used to simulate settlement.
	Dev bool
}

func (c Config) chainID() uint64 { return c.Book.Domain.ChainID }

// apiError is the {"error": "<message>"} envelope.
type apiError struct {
	status  int
	Message string `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, message string) huma.StatusError {
	return &apiError{status: status, Message: message}
}

// New returns an HTTP handler exposing the order book API.
func New(cfg Config) (http.Handler, error) {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, joinErrors(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, joinErrors(msg, errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(cfg.Auth, cfg.chainID()))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Marketline Order Book", "1.0.0")
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"challengeAuth": {Type: "apiKey", In: "header", Name: "Authorization"},
	}
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerChallenge(api, cfg)
	for _, kind := range domain.AllKinds() {
		registerOrders(api, cfg, kind)
	}
	if cfg.Dev {
		registerDevDeals(api, cfg)
	}
	return router, nil
}

func joinErrors(msg string, errs []error) string {
	if len(errs) == 0 {
		return msg
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			parts = append(parts, e.Error())
		}
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(parts, "; ")
}

func handleError(log zerolog.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.ValidationFailure, domain.SigningFailure, domain.IncompatibleOrders:
		status = http.StatusBadRequest
	case domain.AuthenticationFailure:
		status = http.StatusUnauthorized
	case domain.NotFound:
		status = http.StatusNotFound
	case domain.AlreadyExists:
		status = http.StatusConflict
	}
	metrics.RequestErrors.WithLabelValues(statusClass(status)).Inc()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		return newAPIError(status, "internal error")
	}
	return newAPIError(status, err.Error())
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerChallenge(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-challenge",
		Method:      http.MethodGet,
		Path:        "/challenge",
		Summary:     "Issue an authentication challenge",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ChainID uint64 `query:"chainId" required:"true"`
		Address string `query:"address" required:"true"`
	}) (*struct {
		Body ChallengeResponse `json:"body"`
	}, error) {
		if input.ChainID != cfg.chainID() {
			return nil, newAPIError(http.StatusBadRequest, fmt.Sprintf("chainId %d is not served by this book", input.ChainID))
		}
		if !common.IsHexAddress(input.Address) {
			return nil, newAPIError(http.StatusBadRequest, "invalid address")
		}
		td, err := cfg.Auth.Issue(ctx, input.ChainID, common.HexToAddress(input.Address))
		if err != nil {
			return nil, handleError(cfg.Log, err)
		}
		metrics.ChallengesIssued.Inc()
		return &struct {
			Body ChallengeResponse `json:"body"`
		}{Body: ChallengeResponse{Data: td}}, nil
	})
}

func registerOrders(api huma.API, cfg Config, kind domain.Kind) {
	base := "/" + kind.String() + "s"
	security := []map[string][]string{{"challengeAuth": {}}}

	huma.Register(api, huma.Operation{
		OperationID:   "publish-" + kind.String(),
		Method:        http.MethodPost,
		Path:          base,
		Summary:       "Publish a signed " + kind.String(),
		DefaultStatus: http.StatusCreated,
		Security:      security,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
		RawBody       []byte
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var req PublishRequest
		if err := json.Unmarshal(input.RawBody, &req); err != nil || len(req.Order) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "body must be {chainId, order}")
		}
		bo, err := cfg.Book.Publish(ctx, caller, req.ChainID, kind, req.Order)
		if err != nil {
			return nil, handleError(cfg.Log, err)
		}
		metrics.OrdersPublished.WithLabelValues(kind.String()).Inc()
		cfg.Log.Info().Str("kind", kind.String()).Str("hash", bo.OrderHash.Hex()).Str("signer", caller.Hex()).Msg("order published")
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{Published: bo.PublishedOrder}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unpublish-" + kind.String(),
		Method:      http.MethodPut,
		Path:        base,
		Summary:     "Unpublish " + kind.String() + "s signed by the caller",
		Security:    security,
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
		RawBody       []byte
	}) (*struct {
		Body UnpublishResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var req book.UnpublishRequest
		if err := json.Unmarshal(input.RawBody, &req); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid unpublish body: "+err.Error())
		}
		hashes, err := cfg.Book.Unpublish(ctx, caller, kind, req)
		if err != nil {
			return nil, handleError(cfg.Log, err)
		}
		metrics.OrdersUnpublished.WithLabelValues(kind.String()).Add(float64(len(hashes)))
		return &struct {
			Body UnpublishResponse `json:"body"`
		}{Body: UnpublishResponse{Unpublished: hashes}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-" + kind.String(),
		Method:      http.MethodGet,
		Path:        base + "/{hash}",
		Summary:     "Get a published " + kind.String(),
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash    string `path:"hash"`
		ChainID uint64 `query:"chainId"`
	}) (*struct {
		Body domain.PublishedOrder `json:"body"`
	}, error) {
		chainID, hash, herr := orderRef(cfg, input.ChainID, input.Hash)
		if herr != nil {
			return nil, herr
		}
		o, err := cfg.Book.Get(ctx, chainID, kind, hash)
		if err != nil {
			return nil, handleError(cfg.Log, err)
		}
		return &struct {
			Body domain.PublishedOrder `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + kind.String() + "-deals",
		Method:      http.MethodGet,
		Path:        base + "/{hash}/deals",
		Summary:     "List deals involving a " + kind.String(),
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash    string `path:"hash"`
		ChainID uint64 `query:"chainId"`
		Page    int    `query:"page" minimum:"0"`
	}) (*struct {
		Body book.DealPage `json:"body"`
	}, error) {
		chainID, hash, herr := orderRef(cfg, input.ChainID, input.Hash)
		if herr != nil {
			return nil, herr
		}
		page, err := cfg.Book.Deals(ctx, chainID, kind, hash, input.Page)
		if err != nil {
			return nil, handleError(cfg.Log, err)
		}
		return &struct {
			Body book.DealPage `json:"body"`
		}{Body: page}, nil
	})
}

func registerDevDeals(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-deal",
		Method:        http.MethodPost,
		Path:          "/dev/deals",
		Summary:       "Record a settled deal (development only)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		var d domain.Deal
		if err := json.Unmarshal(input.RawBody, &d); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid deal: "+err.Error())
		}
		if err := cfg.Book.RecordDeal(ctx, cfg.chainID(), d); err != nil {
			return nil, handleError(cfg.Log, err)
		}
		metrics.DealsRecorded.Inc()
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: DealResponse{DealID: d.DealID}}, nil
	})
}

// orderRef resolves the chain (defaulting to the served one) and parses hash.
func orderRef(cfg Config, chainID uint64, raw string) (uint64, common.Hash, huma.StatusError) {
	if chainID == 0 {
		chainID = cfg.chainID()
	}
	if chainID != cfg.chainID() {
		return 0, common.Hash{}, newAPIError(http.StatusBadRequest, fmt.Sprintf("chainId %d is not served by this book", chainID))
	}
	if !isHash(raw) {
		return 0, common.Hash{}, newAPIError(http.StatusBadRequest, "invalid order hash")
	}
	return chainID, common.HexToHash(raw), nil
}

func isHash(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	s = s[2:]
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

var errNoCaller = errors.New("authorization required")
