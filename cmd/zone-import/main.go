// Command zone-import validates a YAML branch file and replaces that
// branch's zones in the driver database.
//
//	zone-import -db driver_data.db -file branches/makati.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/s0uth-cloud/droptimize-driver/internal/db"
	"github.com/s0uth-cloud/droptimize-driver/internal/geofence"
)

var (
	dbPath = flag.String("db", "driver_data.db", "Path to the driver database")
	file   = flag.String("file", "", "YAML branch file to import (required)")
	dryRun = flag.Bool("dry-run", false, "Validate the file without writing")
	list   = flag.Bool("list", false, "List stored branches and exit")
)

func main() {
	flag.Parse()
	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context) error {
	if *list {
		store, err := db.OpenDB(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		branches, err := store.ListBranches(ctx)
		if err != nil {
			return err
		}
		for _, b := range branches {
			fmt.Printf("%-20s %-30s %d zones\n", b.ID, b.Name, b.ZoneCount)
		}
		return nil
	}

	if *file == "" {
		return fmt.Errorf("-file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read branch file: %w", err)
	}
	n, err := importBranch(ctx, *dbPath, data, *dryRun)
	if err != nil {
		return err
	}
	if *dryRun {
		log.Printf("%s is valid (%d zones)", *file, n)
	} else {
		log.Printf("imported %d zones from %s", n, *file)
	}
	return nil
}

// importBranch parses data and, unless dryRun is set, stores its zones.
// It returns the number of zones in the file.
func importBranch(ctx context.Context, path string, data []byte, dryRun bool) (int, error) {
	bf, err := geofence.ParseBranchFile(data)
	if err != nil {
		return 0, err
	}
	if dryRun {
		return len(bf.Zones), nil
	}
	store, err := db.OpenDB(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.UpsertBranchZones(ctx, bf.Branch, bf.Name, bf.RawZones()); err != nil {
		return 0, fmt.Errorf("failed to store zones for %s: %w", bf.Branch, err)
	}
	return len(bf.Zones), nil
}
