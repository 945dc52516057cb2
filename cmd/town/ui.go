package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"idletown/internal/market"
	"idletown/internal/session"
	"idletown/internal/store"
	"idletown/internal/world"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderPlayer(pl store.PlayerState, owned []world.Entity) {
	accent.Printf("\n== %s ==\n", strings.ToUpper(pl.Name))
	fmt.Printf("%-10s %s\n", "Player", pl.ID)
	fmt.Printf("%-10s %s\n", "Cash", formatMoney(pl.Cash))
	fmt.Printf("%-10s %s/s\n", "Income", formatMoney(pl.Income))
	fmt.Printf("%-10s %d\n", "Energy", pl.Energy)
	fmt.Printf("%-10s %s\n", "Deposit", formatMoney(pl.Deposit))
	fmt.Printf("%-10s %s (limit %s)\n", "Loan", formatMoney(pl.Loan), formatMoney(pl.CreditLimit()))
	renderPortfolio(pl.Portfolio)
	renderEntities(owned)
	fmt.Println()
}

func renderPortfolio(p map[string]market.Position) {
	if len(p) == 0 {
		return
	}
	symbols := make([]string, 0, len(p))
	for s := range p {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	accent.Println("\nPortfolio")
	fmt.Printf("%-6s %8s %12s\n", "SYM", "SHARES", "AVG COST")
	for _, s := range symbols {
		fmt.Printf("%-6s %8d %12s\n", s, p[s].Shares, formatMoney(p[s].AvgCost))
	}
}

func renderEntities(items []world.Entity) {
	if len(items) == 0 {
		printInfo("No buildings yet.")
		return
	}
	accent.Println("\nBuildings")
	fmt.Printf("%-38s %-8s %5s %9s %10s\n", "ID", "TYPE", "LEVEL", "POSITION", "INCOME/S")
	for _, e := range items {
		id := e.ID
		if e.IsPending() {
			id = warn.Sprint("(pending) " + truncate(e.ID, 28))
		}
		fmt.Printf("%-38s %-8s %5d %9s %10s\n", id, e.Type, e.Level,
			fmt.Sprintf("%.0f,%.0f", e.X, e.Z), formatMoney(e.IncomeRate))
	}
}

func renderCatalog(maxLevel int) {
	accent.Println("\n== BUILDINGS ==")
	fmt.Printf("%-8s %-20s %-5s %12s %10s %14s\n", "TYPE", "NAME", "TIER", "COST", "INCOME/S", "MAX INCOME/S")
	for _, s := range world.Catalog() {
		fmt.Printf("%-8s %-20s %-5s %12s %10s %14s\n", s.Type, s.Name, s.Tier, formatMoney(s.Cost),
			formatMoney(s.BaseIncome), formatMoney(world.IncomeRate(s.Type, maxLevel)))
	}
	fmt.Println()
}

func renderQuotes(quotes []market.Instrument) {
	accent.Println("\n== MARKET ==")
	if len(quotes) == 0 {
		printInfo("No quotes yet.")
		return
	}
	fmt.Printf("%-6s %-22s %12s %9s\n", "SYM", "NAME", "PRICE", "VS ANCHOR")
	for _, q := range quotes {
		pct := 0.0
		if q.Anchor > 0 {
			pct = (q.Price/q.Anchor - 1) * 100
		}
		fmt.Printf("%-6s %-22s %12s %9s\n", q.Symbol, truncate(q.Name, 22), formatMoney(q.Price), colorizePercent(pct))
	}
	fmt.Println()
}

func renderLeaderboard(rows []store.LeaderboardRow) {
	accent.Println("\n== LEADERBOARD ==")
	if len(rows) == 0 {
		printInfo("No leaderboard rows yet.")
		return
	}
	fmt.Printf("%-6s %-24s %14s %10s\n", "RANK", "PLAYER", "CASH", "INCOME/S")
	for _, row := range rows {
		fmt.Printf("%-6d %-24s %14s %10s\n", row.Rank, truncate(row.Name, 24), formatMoney(row.Cash), formatMoney(row.Income))
	}
	fmt.Println()
}

func renderFill(f market.Fill) {
	verb := "Bought"
	if f.Side == market.Sell {
		verb = "Sold"
	}
	printSuccess(fmt.Sprintf("%s %d %s @ %s (total %s). Cash now %s.",
		verb, f.Quantity, f.Symbol, formatMoney(f.Price), formatMoney(f.Notional), formatMoney(f.Cash)))
}

func renderFrame(f session.Frame) {
	status := success.Sprint(f.Status)
	if f.Status != "synced" {
		status = warn.Sprint(f.Status)
	}
	accent.Printf("@ (%.1f, %.1f)  ", f.Position.X, f.Position.Z)
	fmt.Printf("cash %s  income %s/s  energy %d  deposit %s  loan %s  [%s]\n",
		formatMoney(f.Cash), formatMoney(f.Income), f.Energy, formatMoney(f.Deposit), formatMoney(f.Loan), status)
	for _, ev := range f.FloatingEvents {
		success.Printf("  +%s %s\n", formatMoney(ev.Amount), ev.Kind)
	}
	for _, p := range f.OtherPlayers {
		line := fmt.Sprintf("  %s at (%.1f, %.1f)", p.Name, p.Position.X, p.Position.Z)
		if p.Busy {
			line += " [working]"
		}
		if p.Message != "" {
			line += fmt.Sprintf(" says %q", p.Message)
		}
		printInfo(line)
	}
	near := 0
	for _, e := range f.VisibleEntities {
		if world.Distance(e.Position(), f.Position.Ground()) <= 12 {
			near++
		}
	}
	fmt.Printf("  %d buildings in view, %d within 12m\n", len(f.VisibleEntities), near)
}

func colorizePercent(v float64) string {
	text := fmt.Sprintf("%+.2f%%", v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func formatMoney(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	cents := int64(math.Round(v * 100))
	return fmt.Sprintf("%s%s.%02d", sign, comma(cents/100), cents%100)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
