package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"certline/internal/app"
	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/migrate"
	"certline/internal/repo"
	"certline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Certline CLI",
	Long: `Certline runs access certifications: who still holds what, and who signed
off on it.
- Workspace: the .certline directory holding the database; definitions are stored
  in the DB and imported explicitly.
- Certification: one review campaign with assigned certifiers and a lifecycle of
  staged -> active -> challenge -> remediation -> end.
- Entities: the certified subjects (identities, account groups, business roles).
- Items: the individual facts under an entity (entitlements, accounts, violations)
  that each need a decision: approve, revoke, mitigate, or delegate.
- Delegations: hand an item or a whole entity to someone else via a work item;
  forwarding a work item passes the buck to a new owner.
- Sign-off: sealing the certification once every item is decided.
- Event log: the audit diary, view with 'cl log tail'.`,
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
	viper.SetEnvPrefix("CERTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "acting identity name")
	rootCmd.PersistentFlags().String("certification", "", "certification id (overrides the single-certification default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("certification", rootCmd.PersistentFlags().Lookup("certification"))
}

func registerCommands() {
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(workItemCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func certCmd() *cobra.Command {
	cert := &cobra.Command{
		Use:   "cert",
		Short: "Manage certifications",
		Long:  "Certifications are review campaigns. Each has certifiers, a phase, certified entities with items, and eventually a sign-off.",
	}
	cert.AddCommand(certCreateCmd())
	cert.AddCommand(certListCmd())
	cert.AddCommand(certShowCmd())
	cert.AddCommand(certSetPhaseCmd())
	cert.AddCommand(certSignCmd())
	return cert
}

func certCreateCmd() *cobra.Command {
	var opts engine.CertificationCreateOptions
	var certifiers []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create certification",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Certifiers = certifiers
			opts.ActorName = viper.GetString("actor")
			return withEngineNoResolve(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCertification(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "certification id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "certification name")
	cmd.Flags().StringArrayVar(&certifiers, "certifier", []string{}, "certifier identity name (repeatable)")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent certification id")
	cmd.Flags().BoolVar(&opts.BulkReassignment, "bulk-reassignment", false, "mark as a bulk-reassignment certification")
	cmd.Flags().BoolVar(&opts.AccountGranularity, "account-granularity", false, "revocations operate at account granularity")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("certifier")
	return cmd
}

func certListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCertifications(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phase", "Signed", "Certifiers"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Phase, c.Signed, strings.Join(c.Certifiers, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func certShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active certification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCertification(ctx, e.Config.Certification.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	return cmd
}

func certSetPhaseCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "set-phase",
		Short: "Advance the certification phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				certID := e.Config.Certification.ID
				if err := e.SetPhase(ctx, certID, domain.Phase(phase), viper.GetString("actor")); err != nil {
					return err
				}
				c, err := e.Repo.GetCertification(ctx, certID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase (staged, active, challenge, remediation, end)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func certSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign off the certification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				warnings, err := e.Sign(ctx, e.Config.Certification.ID, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"signed": len(warnings) == 0, "warnings": warnings})
				}
				if len(warnings) > 0 {
					for _, w := range warnings {
						fmt.Println("warning:", w)
					}
					return nil
				}
				fmt.Println("certification signed")
				return nil
			})
		},
	}
	return cmd
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Manage certified entities",
		Long:  "Entities are the subjects under review: identities, account groups, business roles. Each carries the items that need decisions.",
	}
	ent.AddCommand(entityAddCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityDelegateCmd())
	ent.AddCommand(entityRevokeDelegationCmd())
	return ent
}

func entityAddCmd() *cobra.Command {
	var entity domain.CertificationEntity
	var kind string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a certified entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entity.CertificationID = e.Config.Certification.ID
				entity.Type = domain.EntityType(kind)
				res, err := e.AddEntity(ctx, entity, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&entity.ID, "id", "", "entity id (optional)")
	cmd.Flags().StringVar(&kind, "type", "identity", "entity type")
	cmd.Flags().StringVar(&entity.TargetID, "target-id", "", "target id")
	cmd.Flags().StringVar(&entity.TargetName, "target", "", "target name (the certified subject)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func entityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certified entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEntities(ctx, e.Config.Certification.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Target", "Delegated"})
				for _, en := range items {
					tw.AppendRow(table.Row{en.ID, en.Type, en.TargetName, en.Delegated()})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func entityDelegateCmd() *cobra.Command {
	var opts engine.DelegationOptions
	cmd := &cobra.Command{
		Use:   "delegate <id>",
		Short: "Delegate an entity's review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.EntityID = args[0]
			opts.ActorName = viper.GetString("actor")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DelegateEntity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Recipient, "to", "", "recipient identity name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "comments")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func entityRevokeDelegationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke-delegation <id>",
		Short: "Revoke an entity delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeEntityDelegation(ctx, args[0], viper.GetString("actor"))
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage certification items",
		Long:  "Items are the individual facts needing a decision. 'cl item view' shows what the acting identity may do; 'cl item decide' saves the decision.",
	}
	item.AddCommand(itemAddCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemViewCmd())
	item.AddCommand(itemDecideCmd())
	item.AddCommand(itemDelegateCmd())
	item.AddCommand(itemRevokeDelegationCmd())
	item.AddCommand(itemReviewCmd())
	return item
}

func itemAddCmd() *cobra.Command {
	var item domain.CertificationItem
	var kind string
	var entityID string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a certification item",
		RunE: func(cmd *cobra.Command, args []string) error {
			item.EntityID = entityID
			item.Type = domain.ItemType(kind)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddItem(ctx, item, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&item.ID, "id", "", "item id (optional)")
	cmd.Flags().StringVar(&entityID, "entity", "", "entity id")
	cmd.Flags().StringVar(&kind, "type", "exception", "item type")
	cmd.Flags().StringVar(&item.TargetID, "target-id", "", "target id")
	cmd.Flags().StringVar(&item.TargetName, "target", "", "target name (entitlement, role, violation)")
	cmd.Flags().StringVar(&item.Application, "application", "", "application")
	cmd.Flags().StringVar(&item.AccountName, "account", "", "account name")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func itemListCmd() *cobra.Command {
	var entityID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items of an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListItems(ctx, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Target", "Application", "Account", "Status", "Delegated"})
				for _, it := range items {
					status := ""
					if it.Action != nil {
						status = string(it.Action.Status)
					}
					tw.AppendRow(table.Row{it.ID, it.Type, it.TargetName, it.Application, it.AccountName, status, it.Delegated()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "entity id")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func itemViewCmd() *cobra.Command {
	var workItem string
	cmd := &cobra.Command{
		Use:   "view <id>",
		Short: "Show an item as the acting identity sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.View(ctx, args[0], viper.GetString("actor"), workItem)
				if err != nil {
					return err
				}
				return printJSONOrIndent(view)
			})
		},
	}
	cmd.Flags().StringVar(&workItem, "work-item", "", "work item being viewed (empty for the certification report)")
	return cmd
}

func itemDecideCmd() *cobra.Command {
	var opts engine.DecisionOptions
	var status string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Save a decision on an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ItemID = args[0]
			opts.Status = domain.Status(status)
			opts.ActorName = viper.GetString("actor")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Decide(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(item)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "decision (approved, approve_account, remediated, revoke_account, mitigated, acknowledged, cleared)")
	cmd.Flags().StringVar(&opts.WorkItemID, "work-item", "", "work item the decision is made in")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "comments")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.RemediationOwner, "remediation-owner", "", "remediation owner")
	cmd.Flags().StringVar(&opts.MitigationExpiration, "mitigation-expiration", "", "mitigation expiration (RFC3339)")
	cmd.Flags().BoolVar(&opts.ExpireNextCertification, "expire-next-certification", false, "acknowledge instead of mitigate")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func itemDelegateCmd() *cobra.Command {
	var opts engine.DelegationOptions
	cmd := &cobra.Command{
		Use:   "delegate <id>",
		Short: "Delegate an item's decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ItemID = args[0]
			opts.ActorName = viper.GetString("actor")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Delegate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Recipient, "to", "", "recipient identity name")
	cmd.Flags().StringVar(&opts.WorkItemID, "work-item", "", "work item the delegation is requested from")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "comments")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func itemRevokeDelegationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke-delegation <id>",
		Short: "Revoke an item delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeItemDelegation(ctx, args[0], viper.GetString("actor"))
			})
		},
	}
	return cmd
}

func itemReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Mark a delegated decision as reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.MarkReviewed(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(item)
			})
		},
	}
	return cmd
}

func workItemCmd() *cobra.Command {
	wi := &cobra.Command{
		Use:   "workitem",
		Short: "Manage work items",
		Long:  "Work items are the reviewer queues: one per certifier plus one per delegation. Forwarding records the old owner in the history, which is how a past actor keeps edit rights after passing the buck.",
	}
	wi.AddCommand(workItemListCmd())
	wi.AddCommand(workItemForwardCmd())
	wi.AddCommand(workItemCompleteCmd())
	return wi
}

func workItemListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = viper.GetString("actor")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItemsByOwner(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Certification", "Entity", "Item", "State"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.CertificationID, w.EntityID, w.ItemID, w.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity name (defaults to --actor)")
	return cmd
}

func workItemForwardCmd() *cobra.Command {
	var newOwner string
	cmd := &cobra.Command{
		Use:   "forward <id>",
		Short: "Forward a work item to a new owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wi, err := e.ForwardWorkItem(ctx, args[0], newOwner, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(wi)
			})
		},
	}
	cmd.Flags().StringVar(&newOwner, "to", "", "new owner identity name")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func workItemCompleteCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish or return a delegation work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.CompleteWorkItem(ctx, args[0], domain.WorkState(state), viper.GetString("actor"))
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "finished", "completion state (finished, returned)")
	return cmd
}

func identityCmd() *cobra.Command {
	id := &cobra.Command{
		Use:   "identity",
		Short: "Manage identities",
	}
	id.AddCommand(identityAddCmd())
	id.AddCommand(identityListCmd())
	return id
}

func identityAddCmd() *cobra.Command {
	var identity domain.Identity
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity.Capabilities = capabilities
			identity.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertIdentity(ctx, identity); err != nil {
					return err
				}
				res, err := r.GetIdentity(ctx, identity.Name)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&identity.Name, "name", "", "identity name")
	cmd.Flags().StringVar(&identity.DisplayName, "display-name", "", "display name")
	cmd.Flags().StringArrayVar(&capabilities, "capability", []string{}, "capability (repeatable: certification_admin, system_admin)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func identityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIdentities(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Display Name", "Capabilities"})
				for _, id := range items {
					tw.AppendRow(table.Row{id.Name, id.DisplayName, strings.Join(id.Capabilities, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the certification definition",
		Long:  "The definition is the rulebook stored in the DB: which decisions are offered, how delegation behaves, and who may self-certify. Import from certline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a definition from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			certID := cfg.Certification.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if certID == "" {
					certID = e.Config.Certification.ID
				}
				if err := e.Repo.UpsertCertificationConfig(ctx, certID, cfg); err != nil {
					return err
				}
				return printJSONOrIndent(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML definition")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the stored definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "The diary of everything that happened: decisions, delegations, forwards, phase changes, and the sign-off.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, e.Config.Certification.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			_, cfg, err := app.ResolveCertificationAndConfig(cmd.Context(), viper.GetString("certification"), viper.GetString("actor"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CERTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CERTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sigCtx.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Certline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	_, cfg, err := app.ResolveCertificationAndConfig(ctx, viper.GetString("certification"), viper.GetString("actor"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// withEngineNoResolve skips active-certification resolution for commands that
// create certifications themselves.
func withEngineNoResolve(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, nil))
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

func printJSONOrIndent(v any) error {
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
