// Command tenantctl provisions tenants and their credentials.
//
//	tenantctl create-tenant -name acme
//	tenantctl issue-key -tenant <id>
//	tenantctl revoke-key -key <secret>
//	tenantctl list-keys -tenant <id>
//	tenantctl stats -tenant <id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/example/objectstore/internal/auth"
	"github.com/example/objectstore/internal/config"
	"github.com/example/objectstore/internal/pagination"
	"github.com/example/objectstore/internal/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var errUsage = errors.New("usage: tenantctl <create-tenant|issue-key|revoke-key|list-keys|stats> [flags]")

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if cfg.DBAdapter == "memory" {
		log.Fatal("tenantctl needs a persistent DB_ADAPTER (postgres or sqlite)")
	}

	ctx := context.Background()
	backend, err := store.Open(ctx, cfg.DBAdapter, cfg.StoreTarget(), cfg.StoreOptions())
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer backend.Close()

	if err := run(ctx, os.Args[1:], backend, auth.NewStore(backend, cfg.BcryptCost), os.Stdout); err != nil {
		backend.Close()
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, backend store.Backend, creds *auth.Store, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		name   = fs.String("name", "", "tenant name")
		id     = fs.String("id", "", "tenant id (default: random uuid)")
		tenant = fs.String("tenant", "", "tenant id")
		key    = fs.String("key", "", "credential secret")
	)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}

	switch cmd {
	case "create-tenant":
		if *name == "" {
			return errors.New("create-tenant: -name is required")
		}
		t := &store.Tenant{ID: *id, Name: *name, CreatedAt: time.Now().UTC()}
		if t.ID == "" {
			t.ID = uuid.NewString()
		} else if _, err := uuid.Parse(t.ID); err != nil {
			return fmt.Errorf("create-tenant: -id must be a uuid: %w", err)
		}
		if err := backend.CreateTenant(ctx, t); err != nil {
			return fmt.Errorf("create-tenant: %w", err)
		}
		fmt.Fprintln(out, t.ID)
	case "issue-key":
		if *tenant == "" {
			return errors.New("issue-key: -tenant is required")
		}
		secret, err := creds.Issue(ctx, *tenant)
		if err != nil {
			return fmt.Errorf("issue-key: %w", err)
		}
		// shown once; only the hash is stored
		fmt.Fprintln(out, secret)
	case "revoke-key":
		if *key == "" {
			return errors.New("revoke-key: -key is required")
		}
		if err := creds.Revoke(ctx, *key); err != nil {
			return fmt.Errorf("revoke-key: %w", err)
		}
		fmt.Fprintln(out, "revoked")
	case "list-keys":
		if *tenant == "" {
			return errors.New("list-keys: -tenant is required")
		}
		list, err := creds.List(ctx, *tenant)
		if err != nil {
			return fmt.Errorf("list-keys: %w", err)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tCREATED\tLAST USED")
		for i, c := range list {
			lastUsed := "never"
			if c.LastUsed != nil {
				lastUsed = c.LastUsed.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, c.CreatedAt.Format(time.RFC3339), lastUsed)
		}
		return tw.Flush()
	case "stats":
		if *tenant == "" {
			return errors.New("stats: -tenant is required")
		}
		return stats(ctx, backend, *tenant, out)
	default:
		return errUsage
	}
	return nil
}

// stats prints the collection count and the object count per collection.
func stats(ctx context.Context, backend store.Backend, tenantID string, out io.Writer) error {
	total, err := backend.CountCollections(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fmt.Fprintf(out, "collections: %d\n", total)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tOBJECTS")
	params := pagination.Params{Limit: pagination.MaxLimit, Order: pagination.Asc}
	for {
		q, err := params.Query(nil)
		if err != nil {
			return err
		}
		rows, err := backend.ListCollections(ctx, tenantID, q)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		page, err := pagination.Paginate(rows, q, func(c *store.Collection) (time.Time, string) { return c.CreatedAt, c.ID })
		if err != nil {
			return err
		}
		for _, c := range page.Items {
			n, err := backend.CountObjects(ctx, tenantID, c.Name)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			fmt.Fprintf(tw, "%s\t%d\n", c.Name, n)
		}
		if !page.HasMore {
			break
		}
		params.Cursor = page.NextCursor
	}
	return tw.Flush()
}
