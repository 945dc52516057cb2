package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cl "idletown/internal/cli"
	"idletown/internal/config"
	"idletown/internal/market"
	"idletown/internal/store"
	"idletown/internal/world"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "town",
		Short:        "Idle town CLI client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newJoinCmd(&apiBase),
		newLogoutCmd(),
		newDashCmd(&apiBase),
		newCatalogCmd(&apiBase),
		newBuildCmd(&apiBase),
		newUpgradeCmd(&apiBase),
		newMarketCmd(&apiBase),
		newTradeCmd(&apiBase, market.Buy),
		newTradeCmd(&apiBase, market.Sell),
		newTransferCmd(&apiBase),
		newLeaderboardCmd(&apiBase),
		newPlayCmd(&apiBase, cfg.TunablesPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string, playerID string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"), playerID)
}

func requireProfile() (cl.Profile, error) {
	p, err := cl.LoadProfile()
	if err != nil {
		return cl.Profile{}, fmt.Errorf("run `town join` first: %w", err)
	}
	return p, nil
}

func newJoinCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "join [name]",
		Short: "Create a player on this machine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if p, err := cl.LoadProfile(); err == nil {
				printWarn(fmt.Sprintf("Already playing as %s (%s). Run `town logout` to start over.", p.Name, p.PlayerID))
				return nil
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			} else {
				var err error
				if name, err = promptRequired("Display name"); err != nil {
					return err
				}
			}
			if _, err := store.SanitizeName(name, ""); err != nil {
				return err
			}
			id := uuid.NewString()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			pl, err := newClient(apiBase, id).EnsurePlayer(ctx, id, name)
			if err != nil {
				return err
			}
			if err := cl.SaveProfile(cl.Profile{PlayerID: pl.ID, Name: pl.Name, APIBaseURL: *apiBase}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Welcome to town, %s. You start with %s.", pl.Name, formatMoney(pl.Cash)))
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the local player profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearProfile(); err != nil {
				return err
			}
			printSuccess("Profile cleared.")
			return nil
		},
	}
}

func newDashCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Show your balances and buildings",
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := requireProfile()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase, prof.PlayerID)
			pl, err := client.GetPlayerState(ctx, prof.PlayerID)
			if err != nil {
				return err
			}
			owned, err := client.ListEntitiesByOwner(ctx, prof.PlayerID)
			if err != nil {
				return err
			}
			renderPlayer(pl, owned)
			return nil
		},
	}
}

func newCatalogCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List building types",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxLevel := config.DefaultTunables().World.MaxLevel
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if tun, err := newClient(apiBase, "").Tunables(ctx); err == nil {
				maxLevel = tun.World.MaxLevel
			}
			renderCatalog(maxLevel)
			return nil
		},
	}
}

func newBuildCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build <type> <x> <z>",
		Short: "Construct a building at a position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := requireProfile()
			if err != nil {
				return err
			}
			t, err := world.ParseBuildingType(args[0])
			if err != nil {
				return err
			}
			x, errX := strconv.ParseFloat(args[1], 64)
			z, errZ := strconv.ParseFloat(args[2], 64)
			if errX != nil || errZ != nil {
				return fmt.Errorf("x and z must be numbers")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			e, err := newClient(apiBase, prof.PlayerID).CommitConstruction(ctx, store.Construction{
				OwnerID:        prof.PlayerID,
				Type:           t,
				X:              x,
				Z:              z,
				IdempotencyKey: uuid.NewString(),
			})
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Built %s at (%.0f, %.0f): %s", e.Type, e.X, e.Z, e.ID))
			return nil
		},
	}
}

func newUpgradeCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade <entity-id>",
		Short: "Upgrade one of your buildings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := requireProfile()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := newClient(apiBase, prof.PlayerID).UpgradeEntity(ctx, prof.PlayerID, args[0])
			if errors.Is(err, world.ErrMaxLevel) {
				printWarn("That building is already at max level.")
				return nil
			}
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%s is now level %d (+%s/s) for %s.",
				res.Entity.Type, res.Entity.Level, formatMoney(res.IncomeDelta), formatMoney(res.Cost)))
			return nil
		},
	}
}

func newMarketCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "market",
		Short: "Show current prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			quotes, err := newClient(apiBase, "").Quotes(ctx)
			if err != nil {
				return err
			}
			renderQuotes(quotes)
			return nil
		},
	}
}

func newTradeCmd(apiBase *string, side market.Side) *cobra.Command {
	return &cobra.Command{
		Use:   string(side) + " <symbol> <quantity>",
		Short: strings.ToUpper(string(side[:1])) + string(side[1:]) + " shares",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := requireProfile()
			if err != nil {
				return err
			}
			qty, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || qty <= 0 {
				return market.ErrInvalidQuantity
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			fill, err := newClient(apiBase, prof.PlayerID).Trade(ctx, market.Order{
				PlayerID: prof.PlayerID,
				Symbol:   strings.ToUpper(args[0]),
				Side:     side,
				Quantity: qty,
			})
			if err != nil {
				return err
			}
			renderFill(fill)
			return nil
		},
	}
}

func newTransferCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <player-id> <amount>",
		Short: "Send cash to another player",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := requireProfile()
			if err != nil {
				return err
			}
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return store.ErrInvalidAmount
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := newClient(apiBase, prof.PlayerID).Transfer(ctx, prof.PlayerID, args[0], amount)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sent %s to %s. Cash now %s.", formatMoney(res.Amount), res.ToID, formatMoney(res.Cash)))
			return nil
		},
	}
}

func newLeaderboardCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Richest players",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rows, err := newClient(apiBase, "").Leaderboard(ctx, limit)
			if err != nil {
				return err
			}
			renderLeaderboard(rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "rows to show")
	return cmd
}
