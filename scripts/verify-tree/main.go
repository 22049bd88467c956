// verify-tree checks the stored mind map of one project for structural damage:
// more than one root, dangling parents, cycles, level drift, and associative
// line targets that no longer exist.
//
// Usage: go run ./scripts/verify-tree <project-id>
//
// Database connection: Uses standard PG* environment variables
//
// Flags:
//
//	-heal   Rewrite stale associative line targets in place (default: false)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

func main() {
	heal := flag.Bool("heal", false, "Rewrite stale associative line targets in place")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [-heal] <project-id>\n", os.Args[0])
		os.Exit(1)
	}

	projectID, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid project ID: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	conn, err := pgx.Connect(ctx, buildConnString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	// Set RLS context for project
	if _, err := conn.Exec(ctx, "SELECT set_config('app.current_project_id', $1, false)", projectID.String()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set RLS context: %v\n", err)
		os.Exit(1)
	}

	nodes, err := loadNodes(ctx, conn, projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load nodes: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d nodes\n", len(nodes))

	failed := false
	if err := mindmap.Verify(nodes); err != nil {
		fmt.Printf("Structure: FAIL - %v\n", err)
		failed = true
	} else {
		fmt.Println("Structure: ok")
	}

	exists := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		exists[n.UID] = true
	}
	stale := 0
	for _, n := range nodes {
		dropped := mindmap.HealTargets(n, func(uid string) bool { return exists[uid] })
		if len(dropped) == 0 {
			continue
		}
		stale++
		fmt.Printf("  %s: stale targets %v\n", n.UID, dropped)
		if *heal {
			if err := writeTargets(ctx, conn, n); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to heal %s: %v\n", n.UID, err)
				os.Exit(1)
			}
		}
	}

	switch {
	case stale == 0:
		fmt.Println("Associative lines: ok")
	case *heal:
		fmt.Printf("Associative lines: healed %d nodes\n", stale)
	default:
		fmt.Printf("Associative lines: %d nodes with stale targets (run with -heal to fix)\n", stale)
		failed = true
	}

	if failed {
		os.Exit(2)
	}
}

func loadNodes(ctx context.Context, conn *pgx.Conn, projectID uuid.UUID) ([]*models.Node, error) {
	rows, err := conn.Query(ctx, `
		SELECT uid, parent_uid, level, is_root, associative_line_targets, associative_line_text
		FROM mindmap_nodes
		WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n := &models.Node{ProjectID: projectID}
		var targets, text []byte
		if err := rows.Scan(&n.UID, &n.ParentUID, &n.Level, &n.IsRoot, &targets, &text); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if err := json.Unmarshal(targets, &n.AssociativeLineTargets); err != nil {
			return nil, fmt.Errorf("node %s has malformed targets: %w", n.UID, err)
		}
		if err := json.Unmarshal(text, &n.AssociativeLineText); err != nil {
			return nil, fmt.Errorf("node %s has malformed line text: %w", n.UID, err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return nodes, nil
}

func writeTargets(ctx context.Context, conn *pgx.Conn, n *models.Node) error {
	targets, err := json.Marshal(n.AssociativeLineTargets)
	if err != nil {
		return err
	}
	text, err := json.Marshal(n.AssociativeLineText)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, `
		UPDATE mindmap_nodes
		SET associative_line_targets = $3, associative_line_text = $4, updated_at = NOW()
		WHERE project_id = $1 AND uid = $2
	`, n.ProjectID, n.UID, targets, text)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return nil
}

func buildConnString() string {
	host := getEnvOrDefault("PGHOST", "localhost")
	port := getEnvOrDefault("PGPORT", "5432")
	user := getEnvOrDefault("PGUSER", "caseboard")
	password := os.Getenv("PGPASSWORD")
	dbname := getEnvOrDefault("PGDATABASE", "caseboard")

	connStr := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		host, port, user, dbname)
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	return connStr
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
