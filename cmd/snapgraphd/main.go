// Command snapgraphd runs the snapshot rebase service and provides
// commands to create workspaces, submit change sets, and inspect snapshots.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"snapgraph/analysis"
	"snapgraph/config"
	"snapgraph/diff"
	"snapgraph/graph"
	"snapgraph/ident"
	"snapgraph/proto"
	"snapgraph/rebase"
	"snapgraph/service"
	"snapgraph/store"
	"snapgraph/transport"
	"snapgraph/vclock"
)

// Version is the current snapgraphd version
var Version = "0.3.0"

var (
	configPath string
	dataFlag   string

	initName string

	changesetWorkspace string
	changesetName      string
	changesetStatus    string

	enqueueTo      string
	enqueueTimeout time.Duration
	enqueueNoWait  bool

	changesApprovals bool
)

var rootCmd = &cobra.Command{
	Use:          "snapgraphd",
	Short:        "snapgraphd - workspace snapshot rebase service",
	Long:         `snapgraphd stores versioned workspace snapshot graphs and rebases change set updates onto them, one change set at a time.`,
	Version:      Version,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a workspace with an empty snapshot",
	RunE:  runInit,
}

var changesetCmd = &cobra.Command{
	Use:     "changeset",
	Aliases: []string{"cs"},
	Short:   "Manage change sets",
}

var changesetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Fork a change set from the workspace HEAD",
	RunE:  runChangesetCreate,
}

var changesetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a workspace's change sets",
	RunE:  runChangesetList,
}

var changesetAbandonCmd = &cobra.Command{
	Use:   "abandon <change-set-id>",
	Short: "Abandon a change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetAbandon,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <change-set-id>",
	Short: "Rebase a change set's edits onto another change set (HEAD by default)",
	Long: `Computes the updates that turn the target's snapshot into the change set's
snapshot, stores them as a batch and queues a rebase request. Waits for the
reply unless --no-wait is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var changesCmd = &cobra.Command{
	Use:   "changes <old-change-set-id> <new-change-set-id>",
	Short: "List entities that differ between two change sets",
	Args:  cobra.ExactArgs(2),
	RunE:  runChanges,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <change-set-id>",
	Short: "Dump a change set's snapshot graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and object store usage",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataFlag, "data", "", "Data directory (overrides config)")

	initCmd.Flags().StringVar(&initName, "name", "default", "Workspace name")

	changesetCreateCmd.Flags().StringVarP(&changesetWorkspace, "workspace", "w", "", "Workspace ID")
	changesetCreateCmd.Flags().StringVarP(&changesetName, "name", "n", "", "Change set name")
	changesetCreateCmd.MarkFlagRequired("workspace")
	changesetListCmd.Flags().StringVarP(&changesetWorkspace, "workspace", "w", "", "Workspace ID")
	changesetListCmd.Flags().StringVar(&changesetStatus, "status", "", "Only list change sets with this status (open, applied, abandoned)")
	changesetListCmd.MarkFlagRequired("workspace")

	enqueueCmd.Flags().StringVar(&enqueueTo, "to", "", "Target change set ID (default: the workspace HEAD)")
	enqueueCmd.Flags().DurationVar(&enqueueTimeout, "timeout", 30*time.Second, "How long to wait for the reply")
	enqueueCmd.Flags().BoolVar(&enqueueNoWait, "no-wait", false, "Queue the request and exit")

	changesCmd.Flags().BoolVar(&changesApprovals, "approvals", false, "Also compute approval requirements")

	serveCmd.Flags().StringVar(&serveMetricsListen, "metrics-listen", "", "Address for /metrics (overrides config)")

	changesetCmd.AddCommand(changesetCreateCmd)
	changesetCmd.AddCommand(changesetListCmd)
	changesetCmd.AddCommand(changesetAbandonCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(changesetCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment; flags override both.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataFlag != "" {
		cfg.DataDir = dataFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openStore(cfg *config.Config) (*store.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.OpenDataDir(cfg.DataDir)
}

// queueBackend is a request queue that can also report its depth.
type queueBackend interface {
	service.Queue
	Depth(ctx context.Context) (map[string]int, error)
}

// openQueue returns the configured queue and a function releasing it.
func openQueue(ctx context.Context, cfg *config.Config, db *store.DB) (queueBackend, func(), error) {
	switch cfg.Transport {
	case config.TransportRedis:
		q, err := transport.NewRedisQueue(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.Namespace)
		if err != nil {
			return nil, nil, err
		}
		if err := q.Ping(ctx); err != nil {
			q.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return q, func() { q.Close() }, nil
	default:
		return store.NewQueue(db, cfg.PollInterval), func() {}, nil
	}
}

func parseID(s, what string) (ident.ID, error) {
	id, err := ident.Parse(s)
	if err != nil {
		return ident.Nil, fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	return id, nil
}

func loadSnapshot(ctx context.Context, db *store.DB, id ident.ID) (store.ChangeSet, *graph.Graph, error) {
	cs, err := db.ChangeSet(ctx, id)
	if err != nil {
		return store.ChangeSet{}, nil, err
	}
	data, err := db.Get(ctx, cs.SnapshotAddress)
	if err != nil {
		return store.ChangeSet{}, nil, fmt.Errorf("loading snapshot %s: %w", cs.SnapshotAddress.Short(), err)
	}
	g, err := graph.Decode(data)
	if err != nil {
		return store.ChangeSet{}, nil, err
	}
	return cs, g, nil
}

// loadForkPoint returns the snapshot a change set was created from. Diffing
// against it rather than the target keeps work that landed on the target
// since the fork out of the batch.
func loadForkPoint(ctx context.Context, db *store.DB, id ident.ID) (*graph.Graph, error) {
	history, err := db.PointerHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 || !history[0].Old.IsZero() {
		return nil, fmt.Errorf("change set %s has no fork point", id)
	}
	fork := history[0].New
	data, err := db.Get(ctx, fork)
	if err != nil {
		return nil, fmt.Errorf("loading fork point %s: %w", fork.Short(), err)
	}
	return graph.Decode(data)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "snapgraphd"
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	g := graph.New()
	if _, err := g.EnsureCategory(graph.CategoryComponent); err != nil {
		return err
	}
	g.RecalculateMerkleTreeHashes()
	data, err := g.Encode()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	addr, err := db.Put(ctx, data)
	if err != nil {
		return err
	}
	ws, head, err := db.CreateWorkspace(ctx, initName, addr, currentUser())
	if err != nil {
		return err
	}

	printSuccess("Created workspace %s (%s)", ws.Name, ws.ID)
	printDetail("HEAD", head.ID)
	printDetail("snapshot", addr.Short())
	return nil
}

func runChangesetCreate(cmd *cobra.Command, args []string) error {
	wsID, err := parseID(changesetWorkspace, "workspace id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cs, err := db.CreateChangeSet(cmd.Context(), wsID, changesetName, currentUser())
	if err != nil {
		return err
	}
	fmt.Println(cs.ID)
	return nil
}

func runChangesetList(cmd *cobra.Command, args []string) error {
	wsID, err := parseID(changesetWorkspace, "workspace id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	ws, err := db.Workspace(ctx, wsID)
	if err != nil {
		return err
	}
	sets, err := db.ListChangeSets(ctx, wsID, store.ChangeSetStatus(changesetStatus))
	if err != nil {
		return err
	}
	for _, cs := range sets {
		marker := " "
		if cs.ID == ws.DefaultChangeSetID {
			marker = "*"
		}
		fmt.Printf("%s %s  %-9s  %s  %s\n", marker, cs.ID, cs.Status, cs.SnapshotAddress.Short(), cs.Name)
	}
	return nil
}

func runChangesetAbandon(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "change set id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetStatus(cmd.Context(), id, store.StatusAbandoned); err != nil {
		return err
	}
	printSuccess("Abandoned %s", id)
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	fromID, err := parseID(args[0], "change set id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	from, updated, err := loadSnapshot(ctx, db, fromID)
	if err != nil {
		return err
	}
	var toID ident.ID
	if enqueueTo != "" {
		if toID, err = parseID(enqueueTo, "target change set id"); err != nil {
			return err
		}
	} else {
		ws, err := db.Workspace(ctx, from.WorkspaceID)
		if err != nil {
			return err
		}
		toID = ws.DefaultChangeSetID
	}
	if toID == fromID {
		return fmt.Errorf("change set %s cannot be rebased onto itself", fromID)
	}
	base, err := loadForkPoint(ctx, db, fromID)
	if err != nil {
		return err
	}

	actor, err := cfg.ActorID()
	if err != nil {
		return err
	}
	if actor.IsNil() {
		actor = ident.New()
	}
	batch := rebase.BatchFromGraphs(base, updated, vclock.ClockID{Actor: actor, ChangeSet: fromID})
	if batch.IsEmpty() {
		printWarning("Nothing to rebase.")
		return nil
	}
	data, err := batch.Encode()
	if err != nil {
		return err
	}
	addr, err := db.Put(ctx, data)
	if err != nil {
		return err
	}

	queue, release, err := openQueue(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer release()

	req := proto.RebaseRequest{ToRebaseChangeSetID: toID, RebaseBatchAddress: addr, FromChangeSetID: &fromID}
	if enqueueNoWait {
		id, err := queue.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		printSuccess("Queued %s (%d updates, batch %s)", id, len(batch.Updates), addr.Short())
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	reply, err := service.Request(waitCtx, queue, req)
	if err != nil {
		return fmt.Errorf("waiting for rebase reply: %w", err)
	}
	if !reply.OK() {
		return rebaseFailed(reply.Message)
	}
	printSuccess("Rebased %d updates onto %s (batch %s)", len(batch.Updates), toID, reply.UpdatesPerformed.Short())
	return nil
}

type changesOutput struct {
	Changes      []diff.Change              `json:"changes"`
	Requirements []analysis.RequirementsBag `json:"requirements,omitempty"`
	Deleted      map[ident.ID]string        `json:"deleted,omitempty"`
}

func runChanges(cmd *cobra.Command, args []string) error {
	oldID, err := parseID(args[0], "change set id")
	if err != nil {
		return err
	}
	newID, err := parseID(args[1], "change set id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	_, oldGraph, err := loadSnapshot(ctx, db, oldID)
	if err != nil {
		return err
	}
	cs, newGraph, err := loadSnapshot(ctx, db, newID)
	if err != nil {
		return err
	}

	out := changesOutput{Changes: diff.DetectChanges(oldGraph, newGraph)}
	if changesApprovals {
		bags, deleted, err := analysis.ApprovalRequirements(newGraph, cs.WorkspaceID, out.Changes)
		if err != nil {
			return err
		}
		out.Requirements = bags
		out.Deleted = make(map[ident.ID]string, len(deleted))
		for id, h := range deleted {
			out.Deleted[id] = h.String()
		}
	}
	return printJSON(out)
}

func runInspect(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "change set id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cs, g, err := loadSnapshot(cmd.Context(), db, id)
	if err != nil {
		return err
	}
	fmt.Printf("change set %s (%s), snapshot %s\n", cs.ID, cs.Status, cs.SnapshotAddress)
	fmt.Printf("%d nodes, %d edges\n", g.NodeCount(), g.EdgeCount())
	fmt.Println(g.Dump())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	queue, release, err := openQueue(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer release()

	depth, err := queue.Depth(ctx)
	if err != nil {
		return err
	}
	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("transport: %s\n", cfg.Transport)
	for _, state := range []string{"pending", "processing", "done", "failed"} {
		if n, ok := depth[state]; ok {
			printDetail(state, n)
		}
	}
	if depth["failed"] > 0 {
		printWarning("%d requests parked as failed", depth["failed"])
	}
	fmt.Printf("objects:   %d (%d bytes, %d compressed)\n", stats.Count, stats.Bytes, stats.CompressedSize)
	return nil
}
