package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/database"
)

func main() {
	ctx := context.Background()
	db, err := database.Connect(ctx, os.Getenv("DATABASE_URL"), database.PoolConfig{MaxConns: 2, MinConns: 1}, zerolog.Nop())
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer db.Close()

	if len(os.Args) > 1 && os.Args[1] == "failed" {
		listFailed(ctx, db)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "reset-stuck" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		resetStuck(ctx, db, dryRun)
		return
	}

	// Default: recordings per status
	counts, err := db.StatusCounts(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status counts:", err)
		os.Exit(1)
	}
	fmt.Println("Status                   Count")
	fmt.Println("─────────────────────────────────")
	for _, s := range []database.RecordingStatus{
		database.StatusUploaded, database.StatusProcessing,
		database.StatusCompleted, database.StatusFailed,
	} {
		fmt.Printf("%-25s %d\n", s, counts[s])
	}
}

func listFailed(ctx context.Context, db *database.DB) {
	fmt.Println("── Failed Recordings ──")
	rows, err := db.Pool.Query(ctx, `
		SELECT id, backend, model, attempts, coalesce(error_message, ''), updated_at
		FROM recordings WHERE status = 'failed'
		ORDER BY updated_at DESC LIMIT 50`)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id       int64
			backend  string
			model    string
			attempts int
			msg      string
			updated  time.Time
		)
		if err := rows.Scan(&id, &backend, &model, &attempts, &msg, &updated); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			return
		}
		fmt.Printf("  #%-6d %-15s %-10s attempts=%d %s\n    %s\n",
			id, backend, model, attempts, updated.Format(time.RFC3339), msg)
	}
}

// resetStuck returns recordings that have sat in processing for over an hour
// to uploaded. Only safe while no engine is running against the database.
func resetStuck(ctx context.Context, db *database.DB, dryRun bool) {
	cutoff := time.Now().Add(-time.Hour)
	if dryRun {
		var n int
		db.Pool.QueryRow(ctx,
			`SELECT count(*) FROM recordings WHERE status = 'processing' AND updated_at < $1`, cutoff,
		).Scan(&n)
		fmt.Printf("%d recording(s) stuck in processing since before %s (dry run, pass 'apply' to reset)\n",
			n, cutoff.Format(time.RFC3339))
		return
	}
	ids, err := db.ResetStaleProcessing(ctx, cutoff, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reset:", err)
		os.Exit(1)
	}
	fmt.Printf("Reset %d recording(s) to uploaded: %v\n", len(ids), ids)
}
