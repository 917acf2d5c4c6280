package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitewarden/internal/app"
	"sitewarden/internal/config"
	"sitewarden/internal/db"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/migrate"
	"sitewarden/internal/repo"
	"sitewarden/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sw",
	Short: "Sitewarden CLI",
	Long: `Sitewarden governs autonomous website changes with earned trust.
Core concepts:
- Workspace: your .sitewarden directory holding the database; fleet config lives in the DB and is imported from sitewarden.yml.
- Website: an onboarded site with per-category trust records. New sites start at observe level.
- Trust: levels go observe -> propose -> supervised -> autonomous; outcomes raise confidence, failures knock it back.
- Risk catalog: every action code carries a risk level, minimum trust, and approval requirements.
- Eligibility: the gate deciding whether an action runs unattended, queues for approval, or is blocked.
- Proposals: changes needing a human decision; deduplicated by fingerprint with a full audit trail.
- Run plans: dependency-ordered diagnostic services executed per site.
- Safety: kill switch, system mode, per-service disable, per-site pause (sw safety).
- Outcomes: metric windows compared against baselines; breakages feed trust and the knowledge base.
- Event log: diary of changes, view with 'sw log tail'.`,
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
	viper.SetEnvPrefix("SITEWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("fleet", "", "fleet id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("fleet", rootCmd.PersistentFlags().Lookup("fleet"))
}

func registerCommands() {
	rootCmd.AddCommand(websiteCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(safetyCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func websiteCmd() *cobra.Command {
	site := &cobra.Command{Use: "website", Short: "Manage websites"}
	site.AddCommand(websiteOnboardCmd())
	site.AddCommand(websiteListCmd())
	site.AddCommand(websiteShowCmd())
	site.AddCommand(websitePauseCmd())
	site.AddCommand(websiteResumeCmd())
	return site
}

func websiteOnboardCmd() *cobra.Command {
	var id, baseURL string
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Onboard a website",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				return fmt.Errorf("--base-url required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				site, err := app.OnboardWebsite(ctx, e, id, baseURL, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(site)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "website id (generated when omitted)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "site base URL")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}

func websiteListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List websites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWebsites(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Base URL", "Status", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.BaseURL, s.Status, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func websiteShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a website",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				site, err := r.GetWebsite(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(site)
			})
		},
	}
	return cmd
}

func websitePauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause all automation for a website",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.PauseWebsite(ctx, args[0], reason, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the site is paused")
	return cmd
}

func websiteResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume automation for a website",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ResumeWebsite(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func trustCmd() *cobra.Command {
	trust := &cobra.Command{Use: "trust", Short: "Trust ledger"}
	trust.AddCommand(trustListCmd())
	trust.AddCommand(trustCheckCmd())
	trust.AddCommand(trustSetCmd())
	trust.AddCommand(trustOutcomeCmd())
	trust.AddCommand(trustUpgradeCmd())
	return trust
}

func trustListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <website-id>",
		Short: "List trust records for a website",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.ListTrustRecords(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Level", "Confidence", "Successes", "Failures"})
				for _, t := range records {
					tw.AppendRow(table.Row{t.ActionCategory, t.TrustLevel, fmt.Sprintf("%.1f", t.Confidence), t.SuccessCount, t.FailureCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func trustCheckCmd() *cobra.Command {
	var websiteID, actionCode string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether an action may auto-execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			if websiteID == "" || actionCode == "" {
				return fmt.Errorf("--website and --action required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				profile, err := e.Repo.GetRiskProfile(ctx, actionCode)
				if err != nil {
					return err
				}
				result, err := e.CanAutoExecute(ctx, websiteID, actionCode, profile.ActionCategory)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website id")
	cmd.Flags().StringVar(&actionCode, "action", "", "action code")
	return cmd
}

func trustSetCmd() *cobra.Command {
	var websiteID, category, reason string
	var level int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set trust level manually",
		RunE: func(cmd *cobra.Command, args []string) error {
			if websiteID == "" || category == "" {
				return fmt.Errorf("--website and --category required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				record, err := e.SetTrustLevel(ctx, websiteID, category, level, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(record)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website id")
	cmd.Flags().StringVar(&category, "category", "", "action category")
	cmd.Flags().IntVar(&level, "level", 0, "trust level 0-3")
	cmd.Flags().StringVar(&reason, "reason", "", "why the level changed")
	return cmd
}

func trustOutcomeCmd() *cobra.Command {
	var websiteID, category string
	var success bool
	cmd := &cobra.Command{
		Use:   "outcome",
		Short: "Record an action outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			if websiteID == "" || category == "" {
				return fmt.Errorf("--website and --category required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				record, err := e.RecordActionOutcome(ctx, websiteID, category, success, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(record)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website id")
	cmd.Flags().StringVar(&category, "category", "", "action category")
	cmd.Flags().BoolVar(&success, "success", false, "outcome succeeded")
	return cmd
}

func trustUpgradeCmd() *cobra.Command {
	var websiteID, category string
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade trust one level when eligible",
		RunE: func(cmd *cobra.Command, args []string) error {
			if websiteID == "" || category == "" {
				return fmt.Errorf("--website and --category required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				record, err := e.UpgradeTrust(ctx, websiteID, category, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(record)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website id")
	cmd.Flags().StringVar(&category, "category", "", "action category")
	return cmd
}

func riskCmd() *cobra.Command {
	risk := &cobra.Command{Use: "risk", Short: "Risk catalog"}
	risk.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List risk profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRiskProfiles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action", "Category", "Risk", "Min Trust", "Approval"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ActionCode, p.ActionCategory, p.RiskLevel, p.MinTrustLevel, p.RequiresApproval})
				}
				tw.Render()
				return nil
			})
		},
	})
	risk.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Seed risk catalog from config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SeedRiskCatalog(ctx)
			})
		},
	})
	return risk
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{Use: "proposal", Short: "Change proposals"}
	prop.AddCommand(proposalCreateCmd())
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalShowCmd())
	for _, status := range []string{"approve", "reject", "apply", "supersede"} {
		prop.AddCommand(proposalTransitionCmd(status))
	}
	return prop
}

func proposalCreateCmd() *cobra.Command {
	var in engine.ProposalInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create or update a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, created, err := e.CreateOrUpdateProposal(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if created {
					fmt.Println("opened proposal", p.ID)
				} else {
					fmt.Println("updated proposal", p.ID)
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.WebsiteID, "website", "", "website id")
	cmd.Flags().StringVar(&in.ServiceKey, "service", "", "originating service key")
	cmd.Flags().StringVar(&in.Type, "type", "", "proposal type")
	cmd.Flags().StringVar(&in.Target, "target", "", "target page or resource")
	cmd.Flags().StringVar(&in.RiskLevel, "risk", "low", "risk level (low, medium, high)")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Rationale, "rationale", "", "rationale")
	cmd.Flags().StringSliceVar(&in.Evidence, "evidence", nil, "supporting evidence")
	cmd.Flags().StringSliceVar(&in.ChangePlan, "change-plan", nil, "change plan steps")
	cmd.Flags().StringSliceVar(&in.VerificationPlan, "verification-plan", nil, "verification steps")
	cmd.Flags().StringSliceVar(&in.RollbackPlan, "rollback-plan", nil, "rollback steps")
	cmd.Flags().BoolVar(&in.Blocking, "blocking", false, "blocks dependent work")
	cmd.Flags().StringSliceVar(&in.Tags, "tags", nil, "tags")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var websiteID, status, riskLevel string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProposals(ctx, repo.ProposalFilters{
					WebsiteID: websiteID,
					Status:    status,
					RiskLevel: riskLevel,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Website", "Type", "Target", "Status", "Risk", "Title"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.WebsiteID, p.Type, p.Target, p.Status, p.RiskLevel, p.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&riskLevel, "risk", "", "risk filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				actions, err := r.ListProposalActions(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"proposal": p, "actions": actions})
			})
		},
	}
	return cmd
}

func proposalTransitionCmd(verb string) *cobra.Command {
	status := verb
	switch verb {
	case "approve":
		status = "approved"
	case "reject":
		status = "rejected"
	case "apply":
		status = "applied"
	case "supersede":
		status = "superseded"
	}
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.TransitionProposal(ctx, args[0], status, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why")
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Enrichment actions"}
	act.AddCommand(actionRunCmd())
	act.AddCommand(actionListCmd())
	act.AddCommand(actionShowCmd())
	return act
}

func actionRunCmd() *cobra.Command {
	var websiteID, actionCode, anomalyID, metricKey, window string
	var pctChange float64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an enrichment action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if websiteID == "" || actionCode == "" || anomalyID == "" {
				return fmt.Errorf("--website, --action and --anomaly required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.RunAction(ctx, engine.RunActionInput{
					WebsiteID:  websiteID,
					ActionCode: actionCode,
					Anomaly: domain.Anomaly{
						ID:            anomalyID,
						MetricKey:     metricKey,
						PercentChange: pctChange,
						Window:        window,
						DetectedAt:    time.Now().UTC().Format(time.RFC3339),
					},
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website id")
	cmd.Flags().StringVar(&actionCode, "action", "", "action code")
	cmd.Flags().StringVar(&anomalyID, "anomaly", "", "anomaly id")
	cmd.Flags().StringVar(&metricKey, "metric", "", "metric that triggered")
	cmd.Flags().StringVar(&window, "window", "7d", "anomaly window")
	cmd.Flags().Float64Var(&pctChange, "pct-change", 0, "percent change")
	return cmd
}

func actionListCmd() *cobra.Command {
	var websiteID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActionRuns(ctx, repo.ActionRunFilters{
					WebsiteID: websiteID,
					Status:    status,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show an action run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetActionRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Run plans"}
	plan.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plan templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config.Plans)
			})
		},
	})
	plan.AddCommand(planRunCmd())
	return plan
}

func planRunCmd() *cobra.Command {
	var websiteID, template string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a run plan against a website",
		RunE: func(cmd *cobra.Command, args []string) error {
			if websiteID == "" || template == "" {
				return fmt.Errorf("--website and --template required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.ExecutePlan(ctx, template, websiteID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website id")
	cmd.Flags().StringVar(&template, "template", "standard", "plan template name")
	return cmd
}

func safetyCmd() *cobra.Command {
	safety := &cobra.Command{Use: "safety", Short: "Safety control plane"}
	safety.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show safety state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				state, err := r.GetSafetyState(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	})
	safety.AddCommand(safetyKillCmd())
	safety.AddCommand(safetyModeCmd())
	safety.AddCommand(safetyServiceCmd())
	return safety
}

func safetyKillCmd() *cobra.Command {
	var reason string
	var off bool
	cmd := &cobra.Command{
		Use:   "kill-switch",
		Short: "Activate or deactivate the kill switch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if off {
					return e.DeactivateKillSwitch(ctx, reason, actor)
				}
				return e.ActivateKillSwitch(ctx, reason, actor)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why (at least 10 characters)")
	cmd.Flags().BoolVar(&off, "off", false, "deactivate instead of activate")
	return cmd
}

func safetyModeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "mode <normal|maintenance|emergency>",
		Short: "Set system mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetSystemMode(ctx, args[0], reason, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why (required for non-normal modes)")
	return cmd
}

func safetyServiceCmd() *cobra.Command {
	var reason string
	var enable bool
	cmd := &cobra.Command{
		Use:   "service <name>",
		Short: "Disable or re-enable a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if enable {
					return e.EnableService(ctx, args[0], actor)
				}
				return e.DisableService(ctx, args[0], reason, actor)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the service is disabled")
	cmd.Flags().BoolVar(&enable, "enable", false, "re-enable instead of disable")
	return cmd
}

func outcomeCmd() *cobra.Command {
	outcome := &cobra.Command{Use: "outcome", Short: "Outcome measurement"}
	outcome.AddCommand(outcomeSnapshotCmd())
	outcome.AddCommand(outcomeDetectCmd())
	outcome.AddCommand(outcomeListCmd())
	return outcome
}

func outcomeSnapshotCmd() *cobra.Command {
	var websiteID, window string
	var values map[string]string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record metric snapshots for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if websiteID == "" {
				return fmt.Errorf("--website required")
			}
			parsed := make(map[string]float64, len(values))
			for key, raw := range values {
				var v float64
				if _, err := fmt.Sscanf(raw, "%f", &v); err != nil {
					return fmt.Errorf("invalid value for %s: %s", key, raw)
				}
				parsed[key] = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RecordMetricWindow(ctx, websiteID, window, parsed)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website id")
	cmd.Flags().StringVar(&window, "window", "7d", "metric window")
	cmd.Flags().StringToStringVar(&values, "set", nil, "metric values, e.g. --set lcp=2100 --set clicks=480")
	return cmd
}

func outcomeDetectCmd() *cobra.Command {
	var websiteID, window, currentWindow, baselineWindow, actionCode, actionCategory, actionID string
	var attribution float64
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect breakages between two stored metric windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if websiteID == "" {
				return fmt.Errorf("--website required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				current, err := e.Repo.MetricWindow(ctx, websiteID, currentWindow)
				if err != nil {
					return err
				}
				baseline, err := e.Repo.MetricWindow(ctx, websiteID, baselineWindow)
				if err != nil {
					return err
				}
				var intervention *engine.Intervention
				if actionCode != "" {
					intervention = &engine.Intervention{
						ActionID:       actionID,
						ActionCode:     actionCode,
						ActionCategory: actionCategory,
						Attribution:    attribution,
					}
				}
				events, err := e.DetectBreakages(ctx, websiteID, current, baseline, window, intervention)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().StringVar(&websiteID, "website", "", "website id")
	cmd.Flags().StringVar(&window, "window", "7d", "label for detected events")
	cmd.Flags().StringVar(&currentWindow, "current", "7d", "stored window holding current values")
	cmd.Flags().StringVar(&baselineWindow, "baseline", "28d", "stored window holding baseline values")
	cmd.Flags().StringVar(&actionCode, "action", "", "intervention action code")
	cmd.Flags().StringVar(&actionCategory, "category", "", "intervention action category")
	cmd.Flags().StringVar(&actionID, "action-id", "", "intervention run id")
	cmd.Flags().Float64Var(&attribution, "attribution", 0, "attribution score 0-1")
	return cmd
}

func outcomeListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <website-id>",
		Short: "List outcome events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOutcomeEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func knowledgeCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListKnowledgeEntries(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (draft, active)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func lockCmd() *cobra.Command {
	lock := &cobra.Command{Use: "lock", Short: "Job locks"}
	lock.AddCommand(&cobra.Command{
		Use:   "claim <job-id>",
		Short: "Claim a job lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ClaimJobLock(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	})
	lock.AddCommand(&cobra.Command{
		Use:   "release <job-id>",
		Short: "Release a job lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReleaseJobLock(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	})
	lock.AddCommand(&cobra.Command{
		Use:   "status <job-id>",
		Short: "Show lock status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, held, err := e.GetJobLockStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if !held {
					fmt.Println("not held")
					return nil
				}
				return printJSONOrTable(l)
			})
		},
	})
	lock.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Reclaim expired locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.RecoverExpiredLocks(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("reclaimed %d locks\n", n)
				return nil
			})
		},
	})
	return lock
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				return printJSONOrTable(items)
			})
		},
	})
	key.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, err := randomKey()
				if err != nil {
					return err
				}
				id := fmt.Sprintf("key-%d", time.Now().UnixNano())
				if err := r.InsertAPIKey(ctx, nil, domain.APIKey{
					ID:      id,
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}); err != nil {
					return err
				}
				fmt.Println("api key (store it now, it is not shown again):", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Fleet config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show fleet config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default sitewarden.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			fleetID := viper.GetString("fleet")
			if fleetID == "" {
				fleetID = "default"
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(fleetID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import fleet config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			fleetID := cfg.Fleet.ID
			if fleetID == "" {
				fleetID = "default"
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertFleetConfig(ctx, fleetID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "System status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.GetSystemStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: trust changes, proposals, runs, safety commands, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var websiteID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, websiteID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&websiteID, "website", "", "website filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveFleetAndConfig(cmd.Context(), workspace, viper.GetString("fleet"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.SeedRiskCatalog(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SITEWARDEN_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SITEWARDEN_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Sitewarden API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveFleetAndConfig(ctx, workspace, viper.GetString("fleet"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func randomKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "sw_" + hex.EncodeToString(raw), nil
}
