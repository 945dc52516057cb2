package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"idletown/internal/config"
	"idletown/internal/economy"
	"idletown/internal/market"
	"idletown/internal/placement"
	"idletown/internal/presence"
	"idletown/internal/session"
	"idletown/internal/store/memstore"
	"idletown/internal/world"
)

const playHelp = `commands:
  w/a/s/d [n]            walk n steps
  home                   back to the start
  build <type> [x z]     build here or at x z
  upgrade <id>           upgrade a building
  work | sleep
  deposit|withdraw|borrow|repay <amount>
  buy|sell <sym> <qty>
  send <player-id> <amount>
  say <text>             chat bubble
  name <name>
  color <slot> <#rrggbb>
  look | quotes | top | mine | help | quit`

func newPlayCmd(apiBase *string, tunablesPath string) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Walk around town in a live session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			var (
				s   *session.Session
				err error
			)
			if local {
				s, err = openLocal(ctx, tunablesPath, logger)
			} else {
				s, err = openRemote(ctx, *apiBase, tunablesPath, logger)
			}
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.Close(closeCtx); err != nil {
					printWarn("Final save failed: " + err.Error())
				}
			}()
			go s.Run(ctx)

			accent.Println("You are in town. Type `help` for commands.")
			renderFrame(s.Frame())
			return playLoop(ctx, s)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "play offline against an in-process town")
	return cmd
}

func openRemote(ctx context.Context, apiBase, tunablesPath string, logger *slog.Logger) (*session.Session, error) {
	prof, err := requireProfile()
	if err != nil {
		return nil, err
	}
	client := newClient(&apiBase, prof.PlayerID)
	tun, err := client.Tunables(ctx)
	if err != nil {
		printWarn("Could not fetch server tunables, using local ones: " + err.Error())
		if tun, err = config.LoadTunables(tunablesPath); err != nil {
			return nil, err
		}
	}
	transport := presence.NewWSTransport(client.PresenceURL(), nil, logger)
	return session.Open(ctx, prof.PlayerID, prof.Name, client, transport, tun.Session(), logger)
}

func openLocal(ctx context.Context, tunablesPath string, logger *slog.Logger) (*session.Session, error) {
	tun, err := config.LoadTunables(tunablesPath)
	if err != nil {
		return nil, err
	}
	sim := market.NewSimulator(market.DefaultInstruments(), market.DynamicsFor("mor"), logger)
	st := memstore.New(placement.New(tun.PlacementRules()), sim, tun.StoreDefaults())
	go func() {
		_ = sim.Run(ctx, tun.Market.TickEvery)
	}()
	bus := presence.NewBus()
	return session.Open(ctx, "local", "You", st, bus, tun.Session(), logger, session.WithAnnouncer(bus))
}

func playLoop(ctx context.Context, s *session.Session) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			text, err := stdinReader.ReadString('\n')
			if text != "" {
				lines <- text
			}
			if err != nil {
				return
			}
		}
	}()
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	for {
		if interactive {
			fmt.Print("> ")
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runPlayCommand(ctx, s, strings.Fields(line))
			if err != nil {
				printError(err.Error())
			}
			if quit {
				return nil
			}
		}
	}
}

var walkKeys = map[string]world.Direction{
	"w": world.Up, "up": world.Up,
	"s": world.Down, "down": world.Down,
	"a": world.Left, "left": world.Left,
	"d": world.Right, "right": world.Right,
}

func runPlayCommand(ctx context.Context, s *session.Session, f []string) (bool, error) {
	if len(f) == 0 {
		renderFrame(s.Frame())
		return false, nil
	}
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	amount := func(i int) (float64, error) {
		v, err := strconv.ParseFloat(arg(i), 64)
		if err != nil {
			return 0, economy.ErrInvalidAmount
		}
		return v, nil
	}

	switch cmd := strings.ToLower(f[0]); cmd {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		printInfo(playHelp)
		return false, nil
	case "look", "l":
	case "w", "a", "s", "d", "up", "down", "left", "right":
		steps := 1
		if n, err := strconv.Atoi(arg(1)); err == nil && n > 0 {
			steps = n
		}
		for i := 0; i < steps; i++ {
			moved, err := s.Move(ctx, walkKeys[cmd])
			if err != nil {
				return false, err
			}
			if !moved {
				printWarn("Something is in the way.")
				break
			}
		}
	case "home":
		if err := s.Home(ctx); err != nil {
			return false, err
		}
	case "build":
		t, err := world.ParseBuildingType(arg(1))
		if err != nil {
			return false, err
		}
		target := s.Frame().Position.Ground()
		target.Z -= world.CellSize
		if len(f) >= 4 {
			x, errX := strconv.ParseFloat(f[2], 64)
			z, errZ := strconv.ParseFloat(f[3], 64)
			if errX != nil || errZ != nil {
				return false, fmt.Errorf("x and z must be numbers")
			}
			target = world.Vec2{X: x, Z: z}
		}
		ticket, err := s.Build(t, target)
		if err != nil {
			return false, err
		}
		printInfo(fmt.Sprintf("Building %s at (%.0f, %.0f)...", t, ticket.Provisional.X, ticket.Provisional.Z))
		go func() {
			if _, err := ticket.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
				printError("Construction rolled back: " + err.Error())
			}
		}()
	case "upgrade":
		res, err := s.Upgrade(ctx, arg(1))
		if err != nil {
			return false, err
		}
		printSuccess(fmt.Sprintf("%s is now level %d.", res.Entity.Type, res.Entity.Level))
	case "work":
		if err := s.Work(); err != nil {
			return false, err
		}
	case "sleep":
		s.Sleep()
	case "deposit", "withdraw", "borrow":
		v, err := amount(1)
		if err != nil {
			return false, err
		}
		op := map[string]func(float64) error{"deposit": s.Deposit, "withdraw": s.Withdraw, "borrow": s.Borrow}[cmd]
		if err := op(v); err != nil {
			return false, err
		}
	case "repay":
		v, err := amount(1)
		if err != nil {
			return false, err
		}
		paid, err := s.Repay(v)
		if err != nil {
			return false, err
		}
		printSuccess("Repaid " + formatMoney(paid) + ".")
	case "buy", "sell":
		side, _ := market.ParseSide(cmd)
		qty, err := strconv.ParseInt(arg(2), 10, 64)
		if err != nil {
			return false, market.ErrInvalidQuantity
		}
		fill, err := s.Trade(ctx, strings.ToUpper(arg(1)), side, qty)
		if err != nil {
			return false, err
		}
		renderFill(fill)
	case "send":
		v, err := amount(2)
		if err != nil {
			return false, err
		}
		if _, err := s.Transfer(ctx, arg(1), v); err != nil {
			return false, err
		}
	case "say":
		if err := s.Say(strings.Join(f[1:], " ")); err != nil {
			return false, err
		}
	case "name":
		if err := s.SetName(ctx, strings.Join(f[1:], " ")); err != nil {
			return false, err
		}
	case "color":
		a := s.Frame().Self.Appearance
		if err := a.SetSlot(arg(1), arg(2)); err != nil {
			return false, err
		}
		if err := s.SetAppearance(ctx, a); err != nil {
			return false, err
		}
	case "quotes":
		quotes, err := s.Quotes(ctx)
		if err != nil {
			return false, err
		}
		renderQuotes(quotes)
	case "top":
		rows, err := s.Leaderboard(ctx, 10)
		if err != nil {
			return false, err
		}
		renderLeaderboard(rows)
	case "mine":
		var mine []world.Entity
		for _, e := range s.Frame().VisibleEntities {
			if e.OwnerID == s.PlayerID() {
				mine = append(mine, e)
			}
		}
		renderEntities(mine)
	default:
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
	renderFrame(s.Frame())
	return false, nil
}

