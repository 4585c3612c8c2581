// Package main is the entry point for the cache admin CLI.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	cachePath string
	output    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "smartsuite-admin",
		Short: "Admin CLI for the SmartSuite MCP cache",
		Long:  `A command-line tool for inspecting and maintaining the local SmartSuite record cache.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cachePath, "cache", "c", "", "Path to the cache database (defaults to the server's cache path)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache effectiveness per table",
		RunE:  showStats,
	}

	usageCmd := &cobra.Command{
		Use:   "usage <user-hash>",
		Short: "Show API usage totals for a user hash",
		Args:  cobra.ExactArgs(1),
		RunE:  showUsage,
	}

	sessionCmd := &cobra.Command{
		Use:   "session <session-id>",
		Short: "List the API calls logged under a session",
		Args:  cobra.ExactArgs(1),
		RunE:  showSession,
	}

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <table-id>",
		Short: "Expire a table's cached records",
		Args:  cobra.ExactArgs(1),
		RunE:  invalidateTable,
	}
	invalidateCmd.Flags().Bool("structure", false, "Drop the cached schema too, forcing a full rebuild")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop all cached data, keeping counters and TTL overrides",
		RunE:  clearAll,
	}

	vacuumCmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim disk space from the cache database",
		RunE:  vacuum,
	}

	ttlCmd := &cobra.Command{
		Use:   "ttl",
		Short: "Manage per-table cache lifetimes",
	}

	ttlSetCmd := &cobra.Command{
		Use:   "set <table-id> <duration>",
		Short: "Set a per-table record TTL (e.g. 30m, 12h)",
		Args:  cobra.ExactArgs(2),
		RunE:  setTTL,
	}
	ttlSetCmd.Flags().String("level", "", "Mutation level hint: high, medium, low")
	ttlSetCmd.Flags().String("notes", "", "Free-form note about why the override exists")
	ttlCmd.AddCommand(ttlSetCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("smartsuite-admin %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}

	rootCmd.AddCommand(statsCmd, usageCmd, sessionCmd, invalidateCmd, clearCmd, vacuumCmd, ttlCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the cache read-write. The admin CLI talks to the database
// directly; it never touches the upstream API.
func openStore() (*cache.Store, error) {
	path := cachePath
	if path == "" {
		if v := os.Getenv("SMARTSUITE_CACHE_PATH"); v != "" {
			path = v
		} else {
			cfg := config.DefaultConfig()
			path = cfg.Cache.Path
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cache database not found at %s", path)
	}
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return cache.Open(path, cache.Options{Logger: quiet})
}

func showStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rep, err := store.Performance().Report(cmd.Context())
	if err != nil {
		return err
	}
	if output == "json" {
		return printJSON(rep)
	}

	fmt.Printf("Hits: %d  Misses: %d  Hit rate: %.1f%%  Est. tokens saved: %d\n",
		rep.TotalHits, rep.TotalMisses, rep.HitRate*100, rep.TokensSavedEst)
	fmt.Printf("Cached records: %d  Cache size: %s\n\n", rep.TotalRecords, humanBytes(rep.TotalCacheBytes))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tNAME\tHITS\tMISSES\tRATE\tRECORDS\tSIZE")
	for _, t := range rep.Tables {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f%%\t%d\t%s\n",
			t.TableID, t.TableName, t.HitCount, t.MissCount,
			t.HitRate*100, t.RecordCount, humanBytes(t.CacheSizeBytes))
	}
	return w.Flush()
}

func showUsage(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	usage, err := store.Usage(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if output == "json" {
		return printJSON(usage)
	}
	fmt.Printf("User: %s\nTotal calls: %d\nFirst call: %s\nLast call: %s\n",
		usage.UserHash, usage.TotalCalls, usage.FirstCall, usage.LastCall)
	return nil
}

func showSession(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	calls, err := store.SessionCalls(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if output == "json" {
		return printJSON(calls)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tMETHOD\tENDPOINT\tTABLE")
	for _, c := range calls {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Timestamp, c.Method, c.Endpoint, c.TableID)
	}
	return w.Flush()
}

func invalidateTable(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	structure, _ := cmd.Flags().GetBool("structure")
	if err := store.InvalidateTable(cmd.Context(), args[0], structure); err != nil {
		return err
	}
	if structure {
		fmt.Printf("Dropped cached schema and records for %s\n", args[0])
	} else {
		fmt.Printf("Expired cached records for %s\n", args[0])
	}
	return nil
}

func clearAll(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ClearAll(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Cache cleared")
	return nil
}

func vacuum(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Vacuum(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Vacuum complete")
	return nil
}

func setTTL(cmd *cobra.Command, args []string) error {
	ttl, err := time.ParseDuration(args[1])
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", args[1], err)
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	level, _ := cmd.Flags().GetString("level")
	notes, _ := cmd.Flags().GetString("notes")
	if err := store.SetTableTTL(cmd.Context(), args[0], ttl, level, notes); err != nil {
		return err
	}
	fmt.Printf("TTL for %s set to %s\n", args[0], ttl)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMG"[exp])
}
