package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"mt5bridge/pkg/bridge"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: bridge-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                     Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  health                      Show bridge and terminal status\n")
	fmt.Fprintf(os.Stderr, "  accounts                    List connected accounts\n")
	fmt.Fprintf(os.Stderr, "  switch <account-id>         Make an account active\n")
	fmt.Fprintf(os.Stderr, "  info                        Show balances of the active account\n")
	fmt.Fprintf(os.Stderr, "  positions                   List open positions\n")
	fmt.Fprintf(os.Stderr, "  buy|sell <symbol> <volume>  Place a market order\n")
	fmt.Fprintf(os.Stderr, "  close <ticket>              Close a position\n")
	fmt.Fprintf(os.Stderr, "  bars <symbol> [tf] [count]  Print recent bars\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
	fmt.Fprintf(os.Stderr, "  MT5BRIDGE_URL    bridge base URL (default http://localhost:8000)\n")
	fmt.Fprintf(os.Stderr, "  MT5BRIDGE_TOKEN  bearer token\n\n")
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("MT5BRIDGE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	c := bridge.NewClient(baseURL, os.Getenv("MT5BRIDGE_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, c, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *bridge.Client, args []string) error {
	switch args[0] {
	case "version":
		fmt.Printf("bridge-cli %s\n", version)

	case "health":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(h)

	case "accounts":
		accts, err := c.Accounts(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tLOGIN\tSERVER\tNAME\tTYPE\tDEFAULT\tBALANCE")
		for _, a := range accts {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%v\t%.2f\n", a.ID, a.Login, a.Server, a.Name, a.Type, a.IsDefault, a.Balance)
		}
		return tw.Flush()

	case "switch":
		if len(args) != 2 {
			return fmt.Errorf("usage: switch <account-id>")
		}
		a, err := c.Switch(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("active account: %d@%s\n", a.Login, a.Server)

	case "info":
		info, err := c.AccountInfo(ctx)
		if err != nil {
			return err
		}
		return printJSON(info)

	case "positions":
		positions, err := c.Positions(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TICKET\tSYMBOL\tTYPE\tVOLUME\tOPEN\tCURRENT\tPROFIT")
		for _, p := range positions {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%g\t%g\t%.2f\n", p.Ticket, p.Symbol, p.Type, p.Volume, p.PriceOpen, p.PriceCurrent, p.Profit)
		}
		return tw.Flush()

	case "buy", "sell":
		if len(args) != 3 {
			return fmt.Errorf("usage: %s <symbol> <volume>", args[0])
		}
		vol, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("volume: %w", err)
		}
		fill, err := c.PlaceOrder(ctx, bridge.Order{Symbol: args[1], Side: args[0], Volume: vol})
		if err != nil {
			return err
		}
		fmt.Printf("%s %.2f %s @ %g ticket=%d filling=%s\n", fill.Type, fill.Volume, fill.Symbol, fill.Price, fill.Ticket, fill.Filling)

	case "close":
		if len(args) != 2 {
			return fmt.Errorf("usage: close <ticket>")
		}
		ticket, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("ticket: %w", err)
		}
		cl, err := c.ClosePosition(ctx, ticket)
		if err != nil {
			return err
		}
		fmt.Printf("closed %d %s %.2f @ %g profit=%.2f\n", cl.ClosedTicket, cl.Symbol, cl.Volume, cl.Price, cl.Profit)

	case "bars":
		if len(args) < 2 {
			return fmt.Errorf("usage: bars <symbol> [timeframe] [count]")
		}
		tf, count := "", 0
		if len(args) > 2 {
			tf = args[2]
		}
		if len(args) > 3 {
			n, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}
			count = n
		}
		bars, err := c.Bars(ctx, args[1], tf, count)
		if err != nil {
			return err
		}
		for _, b := range bars {
			fmt.Printf("%s  %g  %g  %g  %g  %d\n", time.Unix(b.Time, 0).UTC().Format("2006-01-02 15:04"), b.Open, b.High, b.Low, b.Close, b.Volume)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
