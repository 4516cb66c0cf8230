package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/ca-study-space/cssbot/internal/config"
	"github.com/ca-study-space/cssbot/internal/ticket"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "tickets":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: cssbotctl tickets <list|show>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdTicketsList(os.Args[3:])
		case "show":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: cssbotctl tickets show <id>")
				os.Exit(1)
			}
			cmdShow("/api/tickets/", os.Args[3])
		default:
			fmt.Fprintf(os.Stderr, "unknown tickets subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "issues":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: cssbotctl issues <list|show>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdIssuesList(os.Args[3:])
		case "show":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: cssbotctl issues show <id>")
				os.Exit(1)
			}
			cmdShow("/api/issues/", os.Args[3])
		default:
			fmt.Fprintf(os.Stderr, "unknown issues subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "export":
		cmdExport(os.Args[2:])
	case "import-legacy":
		cmdImportLegacy(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: cssbotctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- API client commands ---

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fatalf("error: %v", err)
	}
	fmt.Println(string(body))
}

func cmdTicketsList(args []string) {
	fs := flag.NewFlagSet("tickets list", flag.ExitOnError)
	status := fs.StringP("status", "s", "", "Filter by status (open|claimed|approved|cancelled)")
	creator := fs.String("creator", "", "Filter by creating user id")
	limit := fs.IntP("limit", "n", 50, "Max results")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	if *status != "" {
		q.Set("status", *status)
	}
	if *creator != "" {
		q.Set("creator", *creator)
	}

	body, err := apiGet("/api/tickets?" + q.Encode())
	if err != nil {
		fatalf("error: %v", err)
	}
	var tickets []protocol.Ticket
	if err := json.Unmarshal(body, &tickets); err != nil {
		fatalf("error: decode tickets: %v", err)
	}
	for _, t := range tickets {
		fmt.Printf("#%-6s %-10s %-11s %-30s %s\n",
			t.ID, t.Status, t.Level, truncate(t.GroupName, 30), humanize.Time(t.CreatedAt))
	}
}

func cmdIssuesList(args []string) {
	fs := flag.NewFlagSet("issues list", flag.ExitOnError)
	status := fs.StringP("status", "s", "", "Filter by status (open|in_progress|escalated|resolved|invalid)")
	creator := fs.String("creator", "", "Filter by reporting user id")
	fs.Parse(args)

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *creator != "" {
		q.Set("creator", *creator)
	}

	body, err := apiGet("/api/issues?" + q.Encode())
	if err != nil {
		fatalf("error: %v", err)
	}
	var issues []protocol.Issue
	if err := json.Unmarshal(body, &issues); err != nil {
		fatalf("error: decode issues: %v", err)
	}
	for _, i := range issues {
		claimed := i.ClaimedBy
		if claimed == "" {
			claimed = "-"
		}
		fmt.Printf("%-9s %-12s %-8s %-22s %-12s %s\n",
			i.ID, i.Status, i.Priority, i.Category, claimed, humanize.Time(i.CreatedAt))
	}
}

func cmdShow(prefix, id string) {
	body, err := apiGet(prefix + url.PathEscape(strings.TrimPrefix(id, "#")))
	if err != nil {
		fatalf("error: %v", err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.StringP("output", "o", "", "Write to file instead of stdout")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: cssbotctl export <study|issue> [-o file]")
	}

	body, err := apiGet("/api/export/" + url.PathEscape(fs.Arg(0)))
	if err != nil {
		fatalf("error: %v", err)
	}
	if *out == "" {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}
	if err := os.WriteFile(*out, body, 0o644); err != nil {
		fatalf("error: %v", err)
	}
	fmt.Printf("wrote %s (%s)\n", *out, humanize.Bytes(uint64(len(body))))
}

// --- Local commands ---

func cmdImportLegacy(args []string) {
	fs := flag.NewFlagSet("import-legacy", flag.ExitOnError)
	dbURL := fs.String("db", os.Getenv("DATABASE_URL"), "postgres:// URL of the ticket store")
	dataDir := fs.String("data-dir", envOr("CSSBOT_DATA_DIR", config.DefaultDataDir), "Data directory of the embedded store, used when --db is empty")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: cssbotctl import-legacy <file> [--db url | --data-dir dir]")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fatalf("error: %v", err)
	}
	defer f.Close()

	var store *ticket.SQLStore
	if *dbURL != "" {
		store, err = ticket.Open(*dbURL)
	} else {
		if err := os.MkdirAll(*dataDir, 0o755); err != nil {
			fatalf("error: %v", err)
		}
		store, err = ticket.NewSQLiteStore(filepath.Join(*dataDir, "cssbot.db"))
	}
	if err != nil {
		fatalf("error: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	n, err := store.ImportLegacy(ctx, f)
	if err != nil {
		fatalf("import failed: %v", err)
	}
	fmt.Printf("imported %s records from %s\n", humanize.Comma(int64(n)), fs.Arg(0))
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fatalf("invalid: %v", err)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	base := strings.TrimSuffix(envOr("CSSBOT_API_URL", "http://localhost:8080"), "/")

	req, err := http.NewRequest("GET", base+path, nil)
	if err != nil {
		return nil, err
	}
	if key := os.Getenv("CSSBOT_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("cssbotctl: CA Study Space bot admin CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                        Check daemon health")
	fmt.Println("  tickets list                  List study-group tickets (--status, --creator, --limit)")
	fmt.Println("  tickets show <id>             Show ticket details")
	fmt.Println("  issues list                   List issue tickets (--status, --creator)")
	fmt.Println("  issues show <id>              Show issue details")
	fmt.Println("  export <study|issue> [-o f]   Download a JSON export")
	fmt.Println("  import-legacy <file>          Load a flat-file snapshot into the store (--db, --data-dir)")
	fmt.Println("  config validate <path>        Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CSSBOT_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  CSSBOT_API_KEY   API key for authentication")
	fmt.Println("  DATABASE_URL     Store for import-legacy")
}
