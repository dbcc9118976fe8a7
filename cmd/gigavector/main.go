package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gigavector/gigavector/pkg/core"
	"github.com/gigavector/gigavector/pkg/gigavector"
	"github.com/gigavector/gigavector/pkg/index"
)

var (
	dbPath    string
	dim       int
	indexName string
	walDir    string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "gigavector",
	Short: "CLI for the GigaVector embedded vector database",
	Long:  `A command-line interface for managing an embedded HNSW/IVF-PQ vector database.`,
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Insert a vector with optional metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		metadataStr, _ := cmd.Flags().GetString("metadata")
		if vectorStr == "" {
			return fmt.Errorf("vector is required")
		}
		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		meta, err := parseMetadata(metadataStr)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.Add(vector, meta)
		if err != nil {
			return fmt.Errorf("add failed: %w", err)
		}
		fmt.Printf("inserted id=%d\n", id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Soft-delete a vector by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Delete(id); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("deleted id=%d\n", id)
		return nil
	},
}

var updateMetadataCmd = &cobra.Command{
	Use:   "update-metadata <id>",
	Short: "Replace a vector's metadata list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		metadataStr, _ := cmd.Flags().GetString("metadata")
		meta, err := parseMetadata(metadataStr)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.UpdateMetadata(id, meta); err != nil {
			return fmt.Errorf("update metadata failed: %w", err)
		}
		fmt.Printf("updated metadata for id=%d\n", id)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find the k nearest neighbours of a query vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("top-k")
		filterStr, _ := cmd.Flags().GetString("filter")
		outputJSON, _ := cmd.Flags().GetBool("json")

		query, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		filter, err := parseFilter(filterStr)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := db.Search(query, k, filter)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		printResults(results, outputJSON)
		return nil
	},
}

var rangeSearchCmd = &cobra.Command{
	Use:   "range-search",
	Short: "Find every neighbour of a query vector within a radius",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		radius, _ := cmd.Flags().GetFloat64("radius")
		maxResults, _ := cmd.Flags().GetInt("max-results")
		filterStr, _ := cmd.Flags().GetString("filter")
		outputJSON, _ := cmd.Flags().GetBool("json")

		query, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		filter, err := parseFilter(filterStr)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := db.RangeSearch(query, float32(radius), maxResults, filter)
		if err != nil {
			return fmt.Errorf("range search failed: %w", err)
		}
		printResults(results, outputJSON)
		return nil
	},
}

var trainCmd = &cobra.Command{
	Use:   "train <samples-file>",
	Short: "Train the active index (required before writes to an IVF-PQ store)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read samples: %w", err)
		}
		var samples [][]float32
		if err := json.Unmarshal(raw, &samples); err != nil {
			return fmt.Errorf("parse samples: %w", err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Train(samples); err != nil {
			return fmt.Errorf("train failed: %w", err)
		}
		fmt.Printf("trained on %d samples\n", len(samples))
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the active index from live storage rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Rebuild(); err != nil {
			return fmt.Errorf("rebuild failed: %w", err)
		}
		fmt.Println("index rebuilt")
		return nil
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Checkpoint to a snapshot and truncate the write-ahead log",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Save(); err != nil {
			return fmt.Errorf("save failed: %w", err)
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		outputJSON, _ := cmd.Flags().GetBool("json")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats()
		if err != nil {
			return fmt.Errorf("stats failed: %w", err)
		}
		if outputJSON {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Printf("Count:      %d\n", stats.Count)
			fmt.Printf("Index type: %d\n", stats.IndexType)
			fmt.Printf("WAL bytes:  %d\n", stats.WALBytes)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version <id>",
	Short: "Show a vector's current MVCC version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		slot, err := db.GetVersion(id)
		if err != nil {
			return fmt.Errorf("get version failed: %w", err)
		}
		fmt.Printf("id=%d version=%d updated_at=%d\n", id, slot.Version, slot.UpdatedAt)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <id>",
	Short: "Compare-and-swap a vector's embedding on an expected version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		vectorStr, _ := cmd.Flags().GetString("vector")
		expect, _ := cmd.Flags().GetUint64("expect-version")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		slot, err := db.MigrateEmbedding(id, vector, expect)
		if err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
		fmt.Printf("id=%d new version=%d\n", id, slot.Version)
		return nil
	},
}

func parseVector(str string) ([]float32, error) {
	if str == "" {
		return nil, fmt.Errorf("empty vector")
	}
	parts := strings.Split(str, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", part, err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

func parseMetadata(str string) (core.Metadata, error) {
	if str == "" {
		return nil, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(str), &raw); err != nil {
		return nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	meta := make(core.Metadata, 0, len(raw))
	for _, k := range keys {
		meta = meta.Set(k, raw[k])
	}
	return meta, nil
}

func parseFilter(str string) (*index.Filter, error) {
	if str == "" {
		return nil, nil
	}
	kv := strings.SplitN(str, "=", 2)
	if len(kv) != 2 {
		return nil, fmt.Errorf("filter must be key=value, got %q", str)
	}
	return &index.Filter{Key: strings.TrimSpace(kv[0]), Value: strings.TrimSpace(kv[1])}, nil
}

func printResults(results []index.SearchResult, asJSON bool) {
	if asJSON {
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("%d results:\n", len(results))
	for i, r := range results {
		fmt.Printf("%d. id=%d distance=%.6f\n", i+1, r.ID, r.Distance)
	}
}

func parseIndexType(name string) (index.Type, error) {
	switch strings.ToLower(name) {
	case "hnsw":
		return index.TypeHNSW, nil
	case "ivfpq", "ivf-pq":
		return index.TypeIVFPQ, nil
	default:
		return 0, fmt.Errorf("unknown index type %q (want hnsw or ivfpq)", name)
	}
}

func openDB() (*gigavector.DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("--dim must be positive")
	}
	it, err := parseIndexType(indexName)
	if err != nil {
		return nil, err
	}

	var opts []gigavector.Option
	if walDir != "" {
		opts = append(opts, gigavector.WithWALDir(walDir))
	}
	if verbose {
		opts = append(opts, gigavector.WithLogger(core.NewComponentLogger(os.Stderr, core.LevelDebug, "gigavector")))
	}

	db, err := gigavector.Open(dbPath, dim, it, opts...)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}
	return db, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "vectors.gv", "Database file path")
	rootCmd.PersistentFlags().IntVarP(&dim, "dim", "n", 0, "Vector dimension")
	rootCmd.PersistentFlags().StringVar(&indexName, "index", "hnsw", "Index type (hnsw|ivfpq)")
	rootCmd.PersistentFlags().StringVar(&walDir, "wal-dir", "", "Write-ahead log directory (overrides GV_WAL_DIR)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	addCmd.Flags().String("vector", "", "Vector values (comma-separated)")
	addCmd.Flags().String("metadata", "", "Metadata as a JSON object")
	addCmd.MarkFlagRequired("vector")

	updateMetadataCmd.Flags().String("metadata", "", "Metadata as a JSON object")
	updateMetadataCmd.MarkFlagRequired("metadata")

	searchCmd.Flags().String("vector", "", "Query vector (comma-separated)")
	searchCmd.Flags().Int("top-k", 10, "Number of results")
	searchCmd.Flags().String("filter", "", "Metadata equality filter (key=value)")
	searchCmd.Flags().Bool("json", false, "Output as JSON")
	searchCmd.MarkFlagRequired("vector")

	rangeSearchCmd.Flags().String("vector", "", "Query vector (comma-separated)")
	rangeSearchCmd.Flags().Float64("radius", 0, "Distance radius")
	rangeSearchCmd.Flags().Int("max-results", 100, "Maximum results returned")
	rangeSearchCmd.Flags().String("filter", "", "Metadata equality filter (key=value)")
	rangeSearchCmd.Flags().Bool("json", false, "Output as JSON")
	rangeSearchCmd.MarkFlagRequired("vector")

	statsCmd.Flags().Bool("json", false, "Output as JSON")

	migrateCmd.Flags().String("vector", "", "Replacement vector (comma-separated)")
	migrateCmd.Flags().Uint64("expect-version", 0, "Expected current version")
	migrateCmd.MarkFlagRequired("vector")

	rootCmd.AddCommand(
		addCmd,
		deleteCmd,
		updateMetadataCmd,
		searchCmd,
		rangeSearchCmd,
		trainCmd,
		rebuildCmd,
		saveCmd,
		statsCmd,
		versionCmd,
		migrateCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
