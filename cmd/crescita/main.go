package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/crescitadigitale/Bot/internal/app"
	"github.com/crescitadigitale/Bot/internal/config"
	"github.com/crescitadigitale/Bot/internal/db"
	"github.com/crescitadigitale/Bot/internal/domain"
	"github.com/crescitadigitale/Bot/internal/engine"
	"github.com/crescitadigitale/Bot/internal/repo"
	"github.com/crescitadigitale/Bot/internal/server"
	"github.com/crescitadigitale/Bot/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "crescita",
	Short: "Crescita engagement exchange CLI",
	Long: `Crescita runs an engagement exchange: participants earn coins by performing
social actions for each other and spend coins to request actions on their own
posts. Completions are recorded exactly once and close a request when its
quantity is reached.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CRESCITA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier for audit entries")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(purchaseCmd())
	rootCmd.AddCommand(rankingsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace database and write a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, _, err := app.Bootstrap(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			path, err := app.WriteDefaultConfig(workspace)
			if err != nil {
				return err
			}
			fmt.Printf("Workspace ready, config at %s\n", path)
			return nil
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	acct := &cobra.Command{Use: "account", Short: "Manage participant accounts"}
	acct.AddCommand(accountCreateCmd())
	acct.AddCommand(accountShowCmd())
	acct.AddCommand(accountHandleCmd())
	acct.AddCommand(accountVerifyCmd())
	acct.AddCommand(accountGrantCmd())
	acct.AddCommand(accountListCmd())
	return acct
}

func accountListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered participant ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.Repo.ListAccountIDs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(ids)
			})
		},
	}
	return cmd
}

func accountCreateCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with the starting grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAccount(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "participant id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func accountShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAccount(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "participant id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func accountHandleCmd() *cobra.Command {
	var id int64
	var slot, handle string
	cmd := &cobra.Command{
		Use:   "handle",
		Short: "Register a handle in a profile slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetHandle(ctx, id, domain.ProfileSlot(slot), handle); err != nil {
					return err
				}
				a, err := e.GetAccount(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "participant id")
	cmd.Flags().StringVar(&slot, "slot", "primary", "profile slot (primary, secondary_1, secondary_2)")
	cmd.Flags().StringVar(&handle, "handle", "", "handle, leading @ stripped")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("handle")
	return cmd
}

func accountVerifyCmd() *cobra.Command {
	var id int64
	var slot string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Mark a secondary handle as verified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.VerifyHandle(ctx, id, domain.ProfileSlot(slot)); err != nil {
					return err
				}
				a, err := e.GetAccount(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "participant id")
	cmd.Flags().StringVar(&slot, "slot", "secondary_1", "profile slot (secondary_1, secondary_2)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func accountGrantCmd() *cobra.Command {
	var id, delta int64
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Adjust an account balance by a signed amount",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.AdjustBalance(ctx, id, delta, viper.GetString("actor-id")); err != nil {
					return err
				}
				a, err := e.GetAccount(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "participant id")
	cmd.Flags().Int64Var(&delta, "delta", 0, "signed coin amount")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("delta")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage interaction requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestOpenCmd())
	req.AddCommand(requestActiveCmd())
	req.AddCommand(requestShowCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var owner, quantity, price int64
	var link, action string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a request, reserving its cost from the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRequest(ctx, engine.RequestCreateOptions{
					OwnerID:      owner,
					Link:         link,
					Action:       domain.ActionKind(action),
					Quantity:     quantity,
					PricePerUnit: price,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner participant id")
	cmd.Flags().StringVar(&link, "link", "", "post link")
	cmd.Flags().StringVar(&action, "action", "like", "action kind")
	cmd.Flags().Int64Var(&quantity, "quantity", 1, "units requested")
	cmd.Flags().Int64Var(&price, "price", 0, "coins per unit (0 uses the configured action cost)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("link")
	return cmd
}

func requestOpenCmd() *cobra.Command {
	var account int64
	var limit int
	cmd := &cobra.Command{
		Use:   "open",
		Short: "List candidate open requests for a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cands, err := e.Candidates(ctx, account, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cands)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Owner", "Link", "Earn", "Left"})
				for _, c := range cands {
					tw.AppendRow(table.Row{c.Request.ID, c.Request.Action, c.OwnerHandle, c.Request.Link, c.Earnings, c.Remaining})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&account, "account", 0, "participant id")
	cmd.Flags().IntVar(&limit, "limit", 10, "max candidates")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func requestActiveCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "active",
		Short: "List active requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.ListActiveRequests(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Action", "Qty", "Done", "Price", "Status"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.ID, r.OwnerID, r.Action, r.Quantity, r.CompletedCount, r.PricePerUnit, r.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max requests")
	return cmd
}

func requestShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRequest(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "request id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func completeCmd() *cobra.Command {
	var account, request int64
	var slot, proof string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Record a completion and credit earnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RecordCompletion(ctx, engine.CompletionOptions{
					AccountID: account,
					RequestID: request,
					Slot:      domain.ProfileSlot(slot),
					ProofID:   proof,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&account, "account", 0, "performing participant id")
	cmd.Flags().Int64Var(&request, "request", 0, "request id")
	cmd.Flags().StringVar(&slot, "slot", "primary", "profile slot used")
	cmd.Flags().StringVar(&proof, "proof", "", "proof artifact id, when the request requires one")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func ticketCmd() *cobra.Command {
	t := &cobra.Command{Use: "ticket", Short: "Support tickets"}
	t.AddCommand(ticketCreateCmd())
	t.AddCommand(ticketListCmd())
	return t
}

func ticketCreateCmd() *cobra.Command {
	var account int64
	var message string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a support ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ticket, err := e.CreateTicket(ctx, account, message)
				if err != nil {
					return err
				}
				return printJSONOrTable(ticket)
			})
		},
	}
	cmd.Flags().Int64Var(&account, "account", 0, "participant id")
	cmd.Flags().StringVar(&message, "message", "", "ticket text")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tickets, err := e.Repo.ListOpenTickets(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(tickets)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max tickets")
	return cmd
}

func purchaseCmd() *cobra.Command {
	p := &cobra.Command{Use: "purchase", Short: "Coin purchase intakes"}
	p.AddCommand(purchaseListCmd())
	return p
}

func purchaseListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending purchase intakes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				purchases, err := e.Repo.ListPendingPurchases(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(purchases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Name", "Phone", "Coins", "EUR"})
				for _, p := range purchases {
					tw.AppendRow(table.Row{p.ID, p.AccountID, p.Name, p.Phone, p.Coins, fmt.Sprintf("%.2f", p.PriceEUR)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max intakes")
	return cmd
}

func rankingsCmd() *cobra.Command {
	r := &cobra.Command{Use: "rankings", Short: "Earnings leaderboards"}
	r.AddCommand(rankingsTopCmd())
	r.AddCommand(rankingsRollupCmd())
	return r
}

func rankingsTopCmd() *cobra.Command {
	var period string
	var limit int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show the leaderboard for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.TopRankings(ctx, period, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Account", "Handle", "Earned"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.Position, en.AccountID, en.Handle, en.Points})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "weekly", "period (weekly, monthly)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries (0 uses config top count)")
	return cmd
}

func rankingsRollupCmd() *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Recompute the current ranking window from completions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RollupRankings(ctx, period, time.Now()); err != nil {
					return err
				}
				entries, err := e.TopRankings(ctx, period, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "weekly", "period (weekly, monthly)")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show exchange activity counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for admin endpoints"}
	k.AddCommand(apikeyCreateCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an admin API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": raw})
				}
				fmt.Printf("API key %s created. Store it now, it is not retrievable:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Economy configuration",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configCheckCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective economy configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	}
	return cmd
}

func configCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file without installing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (default the workspace config)")
	return cmd
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Database maintenance"}
	d.AddCommand(dbBackupCmd())
	return d
}

func dbBackupCmd() *cobra.Command {
	var dst string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy the workspace database to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if dst == "" {
				dst = fmt.Sprintf("crescita-%s.db", time.Now().Format("20060102-150405"))
			}
			if err := db.Snapshot(workspace, dst); err != nil {
				return err
			}
			fmt.Printf("Backup of %s written to %s\n", db.Path(workspace), dst)
			return nil
		},
	}
	cmd.Flags().StringVar(&dst, "to", "", "destination file (default crescita-<timestamp>.db)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Bootstrap(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CRESCITA_JWT_SECRET"), Logger: logger}
			handler, err := server.New(server.Config{
				Engine:   e,
				Sessions: session.NewManager(e),
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving exchange API", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := app.Bootstrap(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
