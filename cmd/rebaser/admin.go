package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rebaser/graph"
	"rebaser/logger"
	"rebaser/proto"
	"rebaser/rebase"
	"rebaser/store"
	"rebaser/update"
)

var (
	wsFlag      string
	csFlag      string
	baseFlag    string
	statusFlag  string
	updatesFile string
	waitFlag    bool
	jsonFlag    bool
	limitFlag   int
	graceFlag   time.Duration
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Workspace commands",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a workspace with a bootstrapped graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceCreate,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var changesetCmd = &cobra.Command{
	Use:     "changeset",
	Aliases: []string{"cs"},
	Short:   "Change set commands",
}

var changesetCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Fork a change set from the workspace head or --base",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetCreate,
}

var changesetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the change sets of a workspace",
	RunE:  runChangesetList,
}

var changesetAbandonCmd = &cobra.Command{
	Use:   "abandon <change-set-id>",
	Short: "Abandon an open change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetAbandon,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a batch of updates for a change set",
	Long: `Queue a batch of updates for a change set.

The file holds a JSON array of updates ("-" reads stdin). Without --wait the
request is queued for a running 'rebaser serve'; with --wait it is processed
in this process and the rebase outcome is printed.`,
	RunE: runEnqueue,
}

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Show the snapshot a change set points at",
	RunE:  runHead,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the pointer history of a change set",
	RunE:  runHistory,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete snapshots no change set points at",
	RunE:  runGC,
}

func init() {
	workspaceCmd.AddCommand(workspaceCreateCmd, workspaceListCmd)
	changesetCmd.AddCommand(changesetCreateCmd, changesetListCmd, changesetAbandonCmd)

	for _, c := range []*cobra.Command{changesetCreateCmd, changesetListCmd, changesetAbandonCmd, enqueueCmd} {
		c.Flags().StringVar(&wsFlag, "ws", "", "Workspace ID (required)")
		c.MarkFlagRequired("ws")
	}
	for _, c := range []*cobra.Command{enqueueCmd, headCmd, historyCmd} {
		c.Flags().StringVar(&csFlag, "cs", "", "Change set ID (required)")
		c.MarkFlagRequired("cs")
	}

	changesetCreateCmd.Flags().StringVar(&baseFlag, "base", "", "Change set to fork (default: workspace head)")
	changesetListCmd.Flags().StringVar(&statusFlag, "status", "", "Only list change sets with this status (Open, Applied, Abandoned)")

	enqueueCmd.Flags().StringVarP(&updatesFile, "file", "f", "-", "JSON file holding the updates")
	enqueueCmd.Flags().BoolVar(&waitFlag, "wait", false, "Process the request now and print the outcome")

	headCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the encoded snapshot")
	historyCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of entries to show")
	gcCmd.Flags().DurationVar(&graceFlag, "grace", 0, "Keep snapshots younger than this (default: configured grace)")
}

func parseID(name, value string) (graph.ID, error) {
	id, err := graph.ParseID(value)
	if err != nil {
		return graph.ID{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return id, nil
}

func runWorkspaceCreate(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	svc := rebase.New(db, serviceConfig(cfg), rebase.WithLogger(logger.Get()))
	ws, head, err := svc.CreateWorkspace(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Created workspace %s (%s)\n", ws.Name, ws.ID)
	fmt.Printf("  head:     %s\n", head.ID)
	fmt.Printf("  snapshot: %s\n", head.Snapshot)
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := db.ListWorkspaces(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHEAD\tCREATED")
	for _, ws := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ws.ID, ws.Name, ws.DefaultChangeSetID, formatTime(ws.CreatedAt))
	}
	return w.Flush()
}

func runChangesetCreate(cmd *cobra.Command, args []string) error {
	wsID, err := parseID("workspace id", wsFlag)
	if err != nil {
		return err
	}
	var base graph.ID
	if baseFlag != "" {
		if base, err = parseID("base change set id", baseFlag); err != nil {
			return err
		}
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	cs, err := db.CreateChangeSet(cmd.Context(), wsID, args[0], base)
	if err != nil {
		return err
	}
	fmt.Printf("Created change set %s (%s) from %s\n", cs.Name, cs.ID, cs.BaseChangeSetID)
	return nil
}

func runChangesetList(cmd *cobra.Command, args []string) error {
	wsID, err := parseID("workspace id", wsFlag)
	if err != nil {
		return err
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := db.ListChangeSets(cmd.Context(), wsID, store.Status(statusFlag))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSNAPSHOT\tUPDATED")
	for _, cs := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cs.ID, cs.Name, cs.Status, cs.Snapshot.Short(), formatTime(cs.UpdatedAt))
	}
	return w.Flush()
}

func runChangesetAbandon(cmd *cobra.Command, args []string) error {
	csID, err := parseID("change set id", args[0])
	if err != nil {
		return err
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetChangeSetStatus(cmd.Context(), csID, store.StatusAbandoned); err != nil {
		return err
	}
	fmt.Printf("Abandoned change set %s\n", csID)
	return nil
}

func readUpdates(path string) ([]update.Update, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var updates []update.Update
	if err := json.NewDecoder(r).Decode(&updates); err != nil {
		return nil, fmt.Errorf("parsing updates: %w", err)
	}
	return updates, nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	wsID, err := parseID("workspace id", wsFlag)
	if err != nil {
		return err
	}
	csID, err := parseID("change set id", csFlag)
	if err != nil {
		return err
	}
	updates, err := readUpdates(updatesFile)
	if err != nil {
		return err
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	cs, err := db.GetChangeSet(cmd.Context(), csID)
	if err != nil {
		return err
	}
	req := proto.NewEnqueueUpdatesRequest(wsID, csID, cs.Snapshot, updates)
	svc := rebase.New(db, serviceConfig(cfg), rebase.WithLogger(logger.Get()))

	if !waitFlag {
		seq, err := svc.Enqueue(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("Queued request %s (seq %d)\n", req.ID, seq)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, cfg.WaitTimeout)
	defer waitCancel()
	resp, err := svc.EnqueueAndWait(waitCtx, req)
	if err != nil {
		return err
	}
	if err := printJSON(resp); err != nil {
		return err
	}
	if !resp.Status.Applied() {
		return fmt.Errorf("rebase failed: %s", resp.Status.Message)
	}
	return nil
}

func runHead(cmd *cobra.Command, args []string) error {
	csID, err := parseID("change set id", csFlag)
	if err != nil {
		return err
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	svc := rebase.New(db, serviceConfig(cfg), rebase.WithLogger(logger.Get()))
	cs, g, err := svc.Head(cmd.Context(), csID)
	if err != nil {
		return err
	}
	if jsonFlag {
		data, _, err := g.Encode()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}

	fmt.Printf("Change set %s (%s) [%s]\n", cs.Name, cs.ID, cs.Status)
	fmt.Printf("  snapshot:   %s\n", cs.Snapshot)
	fmt.Printf("  root hash:  %s\n", g.RootHash())
	fmt.Printf("  nodes:      %d\n", g.Len())
	for _, kind := range []graph.NodeKind{
		graph.KindComponent,
		graph.KindSchemaVariant,
		graph.KindAttributeValue,
		graph.KindAction,
		graph.KindDependentValueRoot,
	} {
		if n := len(g.NodesOfKind(kind)); n > 0 {
			fmt.Printf("  %-20s %d\n", string(kind)+":", n)
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	csID, err := parseID("change set id", csFlag)
	if err != nil {
		return err
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.PointerHistory(cmd.Context(), csID, 0, limitFlag)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tOLD\tNEW\tREQUEST")
	for _, e := range entries {
		old := "-"
		if !e.Old.IsZero() {
			old = e.Old.Short()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Seq, formatTime(e.Time), old, e.New.Short(), e.RequestID)
	}
	return w.Flush()
}

func runGC(cmd *cobra.Command, args []string) error {
	grace := cfg.SnapshotEvictionGrace
	if cmd.Flags().Changed("grace") {
		grace = graceFlag
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.CollectSnapshots(cmd.Context(), grace)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d snapshot(s) older than %s\n", n, grace)
	return nil
}
