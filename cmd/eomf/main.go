package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"eomf/internal/app"
	"eomf/internal/config"
	"eomf/internal/db"
	"eomf/internal/engine"
	"eomf/internal/logging"
	"eomf/internal/migrate"
	"eomf/internal/repo"
	"eomf/internal/server"
	"eomf/internal/tts"
	eomfsdk "eomf/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "eomf",
	Short: "Earthlings on Mars Foundation game server",
	Long: `eomf runs the Earthlings on Mars Foundation phone game.
- Recruits call NPC extensions from phones placed around the venue.
- NPCs hand out missions; recruits finish them by calling back from a location, calling another NPC, or keying in codes.
- The mission catalog is a YAML file loaded with 'eomf catalog load'.
- Calls arrive from jambonz or Asterisk over websockets served by 'eomf serve'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EOMF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "directory holding eomf.yml and the database")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(recruitCmd())
	rootCmd.AddCommand(callsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(consoleCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway websockets and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Listen = addr
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx := cmd.Context()
			conn, err := app.Open(ctx, dbConfig(cfg))
			if err != nil {
				return err
			}
			defer conn.Close()

			e := engine.New(conn, log)
			calls := server.CallsConfig{
				PublicURL:       cfg.Server.PublicURL,
				ActionHook:      cfg.ActionHook(),
				GatherTimeout:   cfg.Calls.GatherTimeout,
				PlaybackTimeout: cfg.Calls.PlaybackTimeout,
			}
			if key := ttsAPIKey(cfg); key != "" {
				synth := tts.New(key)
				if cfg.TTS.URL != "" {
					synth.BaseURL = cfg.TTS.URL
				}
				if cfg.TTS.Model != "" {
					synth.Model = cfg.TTS.Model
				}
				if cfg.TTS.Voice != "" {
					synth.Voice = cfg.TTS.Voice
				}
				calls.Synth = synth
			} else {
				log.Warn("no tts api key; asterisk calls only play recorded lines")
			}
			if calls.ActionHook == "" {
				log.Warn("no public url or action hook; jambonz gathers will not reach this server")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret(cfg)},
				Calls:    calls,
				Log:      log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			dispatcher := server.NewWebhookDispatcher(e.Repo, cfg.Webhooks, log)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return dispatcher.Run(ctx) })
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				log.Info("serving", zap.String("listen", cfg.Server.Listen), zap.String("base_path", cfg.Server.BasePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(dbConfig(cfg))
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			version, err := migrate.Latest()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied, "version": version})
			}
			fmt.Printf("applied %d migration(s), schema at version %d\n", applied, version)
			return nil
		},
	}
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the mission catalog",
	}
	c.AddCommand(catalogLoadCmd())
	c.AddCommand(catalogCheckCmd())
	return c
}

func catalogLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Load NPCs, locations and missions from YAML",
		Long:  "Entries are matched by name; loading the same file twice changes nothing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ReadCatalog(args[0])
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				res, err := app.LoadCatalog(ctx, conn, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("loaded %d npc(s), %d location(s), %d mission(s)\n", res.NPCs, res.Locations, res.Missions)
				return nil
			})
		},
	}
}

func catalogCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a catalog file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ReadCatalog(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("catalog OK: %d npc(s), %d location(s), %d mission(s)\n", len(c.NPCs), len(c.Locations), len(c.Missions))
			return nil
		},
	}
}

func recruitCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "recruit",
		Short: "Inspect recruits",
	}
	r.AddCommand(recruitListCmd())
	r.AddCommand(recruitShowCmd())
	return r
}

func recruitListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recruits, err := e.Repo.ListRecruits(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recruits)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Recruit", "Score", "Enlisted"})
				for _, r := range recruits {
					tw.AppendRow(table.Row{fmt.Sprintf("%04d", r.ID), r.Score, r.CreatedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recruits")
	return cmd
}

func recruitShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <recruit>",
		Short: "Show a recruit and their missions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("recruit number %q: %w", args[0], err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Repo.GetRecruit(ctx, id)
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("recruit %04d not found", id)
				}
				if err != nil {
					return err
				}
				missions, err := e.Repo.ListRecruitMissions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"recruit": rec, "missions": missions})
				}
				fmt.Printf("Recruit %04d, score %d\n", rec.ID, rec.Score)
				tw := newTable()
				tw.AppendHeader(table.Row{"Mission", "Type", "Issued by", "Status", "Started"})
				for _, rm := range missions {
					status := "open"
					if rm.Finished != nil {
						status = "cancelled"
						if rm.Completed {
							status = "completed"
						}
					}
					tw.AppendRow(table.Row{rm.Mission.Name, rm.Mission.Type(), rm.Mission.IssuedBy.Name, status, rm.Started.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func callsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "calls",
		Short: "Inspect call logs",
	}
	var limit int
	var recruitID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "Recent calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var filter *int64
				if recruitID > 0 {
					filter = &recruitID
				}
				logs, err := e.Repo.ListCallLogs(ctx, filter, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Date", "Recruit", "NPC", "Location", "Duration", "Digits", "Success"})
				for _, cl := range logs {
					recruit, npc, loc := "", "", ""
					if cl.RecruitID != nil {
						recruit = fmt.Sprintf("%04d", *cl.RecruitID)
					}
					if cl.NPC != nil {
						npc = cl.NPC.Name
					}
					if cl.Location != nil {
						loc = cl.Location.Name
					}
					tw.AppendRow(table.Row{cl.Date.Local().Format(time.DateTime), recruit, npc, loc, fmt.Sprintf("%ds", cl.Duration), cl.Digits, cl.Success})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of calls")
	list.Flags().Int64Var(&recruitID, "recruit", 0, "only calls by this recruit")
	c.AddCommand(list)
	return c
}

func eventsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "events",
		Short: "Read the mission journal",
	}
	var n int
	var evtType string
	var recruitID int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.EventFilter{Type: evtType}
				if recruitID > 0 {
					f.RecruitID = &recruitID
				}
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Recruit", "Payload"})
				for i := len(events) - 1; i >= 0; i-- {
					evt := events[i]
					recruit := ""
					if evt.RecruitID != nil {
						recruit = fmt.Sprintf("%04d", *evt.RecruitID)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, recruit, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().Int64Var(&recruitID, "recruit", 0, "only events for this recruit")
	c.AddCommand(tail)
	return c
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "token",
		Short: "Manage operator API tokens",
	}
	var subject string
	var roles []string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(jwtSecret(cfg), subject, roles)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "operator", "token subject")
	issue.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	c.AddCommand(issue)
	return c
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage eomf.yml",
	}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default eomf.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("dir"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Auth.JWTSecret != "" {
				shown.Auth.JWTSecret = "<redacted>"
			}
			if shown.TTS.APIKey != "" {
				shown.TTS.APIKey = "<redacted>"
			}
			out, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate eomf.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("dir"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return c
}

func consoleCmd() *cobra.Command {
	var url, from string
	cmd := &cobra.Command{
		Use:   "console <extension>",
		Short: "Call an NPC from the terminal",
		Long:  "Dials a running 'eomf serve' over its jambonz websocket. Spoken lines are printed; type digits and press enter to answer, or an empty line to let the gather time out.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				url = "ws://" + cfg.Server.Listen + "/ws/call/jambonz"
			}
			in := bufio.NewScanner(os.Stdin)
			phone := &eomfsdk.Softphone{
				URL:  url,
				From: from,
				Hear: func(l eomfsdk.Line) { fmt.Println("  " + l.String()) },
				Keypad: func(ctx context.Context) (string, error) {
					fmt.Print("> ")
					if !in.Scan() {
						if err := in.Err(); err != nil {
							return "", err
						}
						return "", errors.New("stdin closed")
					}
					return strings.TrimSpace(in.Text()), nil
				},
			}
			res, err := phone.Call(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("call %s ended after %s\n", res.CallSID, res.Duration.Round(time.Second))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "jambonz websocket url (default from server.listen)")
	cmd.Flags().StringVar(&from, "from", "console", "caller id")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("dir"))
}

func dbConfig(cfg *config.Config) db.Config {
	return db.Config{DataDir: viper.GetString("dir"), Path: cfg.Database.Path}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if l := viper.GetString("log-level"); l != "" {
		level = l
	}
	return logging.New(level, cfg.Log.Format)
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt_secret"); s != "" {
		return s
	}
	return cfg.Auth.JWTSecret
}

func ttsAPIKey(cfg *config.Config) string {
	if k := viper.GetString("tts_api_key"); k != "" {
		return k
	}
	return cfg.TTS.APIKey
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := app.Open(ctx, dbConfig(cfg))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, conn)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		return fn(ctx, engine.New(conn, nil))
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
