package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"archive/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("archive server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "audit":
		return cliAudit(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	name, err := st.GetSetting(ctx, "server_name")
	if err != nil {
		name = "(unset)"
	}
	n, _ := st.AuditCount(ctx)
	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Audit events: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	if len(args) == 0 || args[0] == "list" {
		settings, err := st.Settings(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "get" && len(args) > 1 {
		value, err := st.GetSetting(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(value)
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(ctx, key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server settings [list|get <key>|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliAudit(args []string, dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	limit := 20
	if len(args) > 0 {
		if _, err := fmt.Sscanf(args[0], "%d", &limit); err != nil || limit <= 0 {
			fmt.Fprintf(os.Stderr, "Usage: server audit [limit]\n")
			os.Exit(1)
		}
	}

	rows, err := st.RecentAudit(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No audit events found.")
		return true
	}
	for _, r := range rows {
		fmt.Printf("  %s  conn=%d  %-10s  %s %s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.ConnID, r.Event, r.RemoteAddr, r.Detail)
	}
	return true
}
