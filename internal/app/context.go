// Package app resolves the workspace state shared by every command: the
// project config, the selected chain and the local database.
package app

import (
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/migrate"
	"marketline/internal/order"
)

// Context is the resolved configuration for one chain. It is immutable once
// built and passed down explicitly.
type Context struct {
	Workspace string
	Config    *config.Config
	Chain     config.Chain
}

// Resolve loads marketline.yml from workspace (built-in chains when absent)
// and selects chainRef, a chain name or id. Empty selects the default chain.
func Resolve(workspace, chainRef string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	ch, err := cfg.Chain(chainRef)
	if err != nil {
		return nil, err
	}
	return &Context{Workspace: workspace, Config: cfg, Chain: ch}, nil
}

// Domain returns the order signing domain of the selected chain.
func (c *Context) Domain() (eip712.Domain, error) {
	hub, err := order.ParseAddress("hub", c.Chain.Hub)
	if err != nil {
		return eip712.Domain{}, fmt.Errorf("chain %s: %w", c.Chain.Name, err)
	}
	if domain.IsNull(hub) {
		return eip712.Domain{}, fmt.Errorf("chain %s: hub is required", c.Chain.Name)
	}
	return eip712.Domain{ChainID: c.Chain.ID, VerifyingContract: hub}, nil
}

// Deployed returns the address recorded for the resource sold by kind on
// the selected chain. Requests have no resource.
func (c *Context) Deployed(kind domain.Kind) (common.Address, bool) {
	if kind == domain.KindRequest {
		return common.Address{}, false
	}
	raw, ok := c.Config.Deployed.Address(kind.Resource(), c.Chain.ID)
	if !ok {
		return common.Address{}, false
	}
	addr, err := order.ParseAddress(kind.Resource(), raw)
	if err != nil {
		return common.Address{}, false
	}
	return addr, true
}

// OpenDB opens the workspace database and applies pending migrations.
func OpenDB(workspace, name string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Name: name})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}
