package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/order"
	"marketline/internal/price"
)

// selectAll is the value of a kind flag given without an argument.
const selectAll = "local"

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Manage marketplace orders"}
	cmd.AddCommand(orderInitCmd())
	cmd.AddCommand(orderSignCmd())
	cmd.AddCommand(orderPublishCmd())
	cmd.AddCommand(orderUnpublishCmd())
	cmd.AddCommand(orderCancelCmd())
	cmd.AddCommand(orderShowCmd())
	cmd.AddCommand(orderFillCmd())
	return cmd
}

// kindFlags holds one --app/--dataset/--workerpool/--request flag per kind.
// A flag given bare selects the local signed order; with a value it names
// an order hash.
type kindFlags map[domain.Kind]*string

func addKindFlags(cmd *cobra.Command, withHash bool) kindFlags {
	f := kindFlags{}
	for _, kind := range domain.AllKinds() {
		v := new(string)
		name := kind.Resource()
		usage := "select the " + kind.String()
		if withHash {
			usage += " (optionally by hash)"
		}
		cmd.Flags().StringVar(v, name, "", usage)
		cmd.Flags().Lookup(name).NoOptDefVal = selectAll
		f[kind] = v
	}
	return f
}

func (f kindFlags) selected() ([]domain.Kind, map[domain.Kind]engine.Target, error) {
	var kinds []domain.Kind
	targets := map[domain.Kind]engine.Target{}
	for _, kind := range domain.AllKinds() {
		v := strings.TrimSpace(*f[kind])
		if v == "" {
			continue
		}
		kinds = append(kinds, kind)
		if v == selectAll {
			continue
		}
		h, err := parseHash(kind.Resource(), v)
		if err != nil {
			return nil, nil, err
		}
		targets[kind] = engine.Target{Mode: engine.TargetHash, Hash: h}
	}
	if len(kinds) == 0 {
		return nil, nil, fmt.Errorf("no order selected; use --app, --dataset, --workerpool or --request")
	}
	return kinds, targets, nil
}

func parseHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, domain.Validationf(field, "invalid %s order hash %q", field, s)
	}
	return common.BytesToHash(b), nil
}

func orderInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write default order templates",
	}
	flags := addKindFlags(cmd, false)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kinds, _, err := flags.selected()
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			return printResult(e.Init(ctx, kinds))
		})
	}
	return cmd
}

func orderSignCmd() *cobra.Command {
	var opts engine.SignOptions
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign orders from their templates",
	}
	flags := addKindFlags(cmd, false)
	cmd.Flags().BoolVar(&opts.SkipRequestCheck, "skip-request-check", false, "skip request requirement checks")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kinds, _, err := flags.selected()
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			return printResult(e.Sign(ctx, kinds, opts))
		})
	}
	return cmd
}

func orderPublishCmd() *cobra.Command {
	var opts engine.PublishOptions
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the local signed orders to the book",
	}
	flags := addKindFlags(cmd, false)
	cmd.Flags().BoolVar(&opts.SkipRequestCheck, "skip-request-check", false, "skip request requirement checks")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kinds, _, err := flags.selected()
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			return printResult(e.Publish(ctx, kinds, opts))
		})
	}
	return cmd
}

func orderUnpublishCmd() *cobra.Command {
	var last, all bool
	cmd := &cobra.Command{
		Use:   "unpublish",
		Short: "Remove orders from the book",
	}
	flags := addKindFlags(cmd, true)
	cmd.Flags().BoolVar(&last, "last", false, "unpublish the last published order of each selected kind")
	cmd.Flags().BoolVar(&all, "all", false, "unpublish every published order of each selected kind")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if last && all {
			return fmt.Errorf("--last and --all are mutually exclusive")
		}
		kinds, targets, err := flags.selected()
		if err != nil {
			return err
		}
		if last || all {
			mode := engine.TargetLast
			if all {
				mode = engine.TargetAll
			}
			for _, kind := range kinds {
				if _, byHash := targets[kind]; byHash {
					return fmt.Errorf("--%s takes no hash with --last or --all", kind.Resource())
				}
				targets[kind] = engine.Target{Mode: mode}
			}
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			return printResult(e.Unpublish(ctx, kinds, targets))
		})
	}
	return cmd
}

func orderCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Invalidate the local signed orders on-chain",
	}
	flags := addKindFlags(cmd, false)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kinds, _, err := flags.selected()
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			return printResult(e.Cancel(ctx, kinds))
		})
	}
	return cmd
}

func orderShowCmd() *cobra.Command {
	var deals bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show published orders",
	}
	flags := addKindFlags(cmd, true)
	cmd.Flags().BoolVar(&deals, "deals", false, "also list the deals of each order")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kinds, targets, err := flags.selected()
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			res := e.Show(ctx, kinds, targets, deals)
			if viper.GetBool("json") {
				return printResultJSON(res)
			}
			for _, kind := range kinds {
				if shown, ok := res.Success[kind].(engine.Shown); ok {
					renderShown(kind, shown)
				}
			}
			renderFailures(res)
			return res.Err()
		})
	}
	return cmd
}

func orderFillCmd() *cobra.Command {
	var app, dataset, pool, request, params string
	var skip bool
	cmd := &cobra.Command{
		Use:   "fill",
		Short: "Match orders into a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.FillOptions{SkipRequestCheck: skip}
			for _, f := range []struct {
				name string
				raw  string
				dst  **common.Hash
			}{
				{"app", app, &opts.App},
				{"dataset", dataset, &opts.Dataset},
				{"workerpool", pool, &opts.Workerpool},
				{"request", request, &opts.Request},
			} {
				if f.raw == "" {
					continue
				}
				h, err := parseHash(f.name, f.raw)
				if err != nil {
					return err
				}
				*f.dst = &h
			}
			if cmd.Flags().Changed("params") {
				opts.Params = &params
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filled, err := e.Fill(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(filled)
				}
				fmt.Printf("%s task(s) purchased with dealid %s (tx %s)\n", filled.Volume, filled.DealID.Hex(), filled.TxHash.Hex())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "apporder hash (defaults to the local signed order)")
	cmd.Flags().StringVar(&dataset, "dataset", "", "datasetorder hash (defaults to the local signed order)")
	cmd.Flags().StringVar(&pool, "workerpool", "", "workerpoolorder hash (defaults to the local signed order)")
	cmd.Flags().StringVar(&request, "request", "", "requestorder hash (defaults to the local signed order)")
	cmd.Flags().StringVar(&params, "params", "", "sign a requestorder on the fly with these params")
	cmd.Flags().BoolVar(&skip, "skip-request-check", false, "skip request requirement checks")
	return cmd
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printResultJSON(res)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Order", "Result", "Detail"})
	for _, kind := range domain.AllKinds() {
		v, ok := res.Success[kind]
		if !ok {
			continue
		}
		tw.AppendRow(table.Row{kind.String(), "ok", detail(v)})
	}
	for _, f := range res.Failed {
		tw.AppendRow(table.Row{f.Kind.String(), "failed", f.Message})
	}
	tw.Render()
	return res.Err()
}

func printResultJSON(res engine.Result) error {
	if err := printJSON(struct {
		Outcome engine.Outcome `json:"outcome"`
		engine.Result
	}{res.Outcome(), res}); err != nil {
		return err
	}
	return res.Err()
}

func detail(v any) string {
	switch s := v.(type) {
	case engine.Signed:
		return s.Hash.Hex()
	case engine.Published:
		return s.Hash.Hex()
	case engine.Cancelled:
		return "tx " + s.TxHash.Hex()
	case engine.Unpublished:
		hashes := make([]string, len(s.Hashes))
		for i, h := range s.Hashes {
			hashes[i] = h.Hex()
		}
		return strings.Join(hashes, "\n")
	case order.AppDraft, order.DatasetDraft, order.WorkerpoolDraft, order.RequestDraft:
		return "template saved"
	default:
		return fmt.Sprint(v)
	}
}

func renderShown(kind domain.Kind, s engine.Shown) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(kind.String() + " " + s.Order.OrderHash.Hex())
	tw.AppendRow(table.Row{"Status", s.Order.Status})
	tw.AppendRow(table.Row{"Remaining", s.Order.Remaining.String()})
	tw.AppendRow(table.Row{"Signer", s.Order.Signer.Hex()})
	tw.AppendRow(table.Row{"Published", s.Order.PublicationTimestamp})
	if o, err := s.Order.Decode(); err == nil {
		for _, row := range priceRows(o) {
			tw.AppendRow(row)
		}
	}
	tw.Render()
	if len(s.Deals) == 0 {
		return
	}
	dw := table.NewWriter()
	dw.SetOutputMirror(os.Stdout)
	dw.AppendHeader(table.Row{"Deal", "Volume", "Tx"})
	for _, d := range s.Deals {
		dw.AppendRow(table.Row{d.DealID.Hex(), d.Volume.String(), d.TxHash.Hex()})
	}
	dw.Render()
}

func priceRows(o domain.Order) []table.Row {
	switch v := o.(type) {
	case domain.AppOrder:
		return []table.Row{{"App", v.App.Hex()}, {"Price", price.Format(v.AppPrice)}}
	case domain.DatasetOrder:
		return []table.Row{{"Dataset", v.Dataset.Hex()}, {"Price", price.Format(v.DatasetPrice)}}
	case domain.WorkerpoolOrder:
		return []table.Row{{"Workerpool", v.Workerpool.Hex()}, {"Price", price.Format(v.WorkerpoolPrice)}, {"Category", v.Category.String()}}
	case domain.RequestOrder:
		return []table.Row{
			{"App", v.App.Hex()},
			{"App max price", price.Format(v.AppMaxPrice)},
			{"Workerpool max price", price.Format(v.WorkerpoolMaxPrice)},
			{"Requester", v.Requester.Hex()},
		}
	}
	return nil
}

func renderFailures(res engine.Result) {
	for _, f := range res.Failed {
		fmt.Fprintln(os.Stderr, f.String())
	}
}
