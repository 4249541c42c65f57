// Command tosdb inspects a tosdb store file: superblock summary, catalog
// listing, and per-level sstable statistics.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/turnstonedb/tosdb"
	"github.com/turnstonedb/tosdb/backend"
)

var storePath string

func openStore() (*tosdb.TosDb, error) {
	if storePath == "" {
		return nil, fmt.Errorf("--store is required")
	}
	if _, err := os.Stat(storePath); err != nil {
		return nil, fmt.Errorf("store %s: %w", storePath, err)
	}
	be, err := backend.OpenFile(storePath, 0)
	if err != nil {
		return nil, err
	}
	return tosdb.New(be, &tosdb.Options{Logger: tosdb.NoopLogger})
}

func main() {
	root := &cobra.Command{
		Use:           "tosdb",
		Short:         "inspect a tosdb store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&storePath, "store", "", "path to the store file")

	root.AddCommand(infoCmd(), databasesCmd(), tablesCmd(), levelsCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tosdb:", err)
		os.Exit(1)
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "superblock summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			fmt.Printf("compression: %s\n", db.Compression())
			fmt.Printf("free next:   0x%x\n", db.FreeNext())
			fmt.Printf("databases:   %d\n", len(db.DatabaseNames()))
			return nil
		},
	}
}

func databasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "databases",
		Short: "list databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			for _, name := range db.DatabaseNames() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func tablesCmd() *cobra.Command {
	var dbName string
	c := &cobra.Command{
		Use:   "tables",
		Short: "list a database's tables with caps and level stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			db, err := store.DatabaseCreateOrOpen(dbName)
			if err != nil {
				return err
			}
			names, err := db.TableNames()
			if err != nil {
				return err
			}
			tw := tablewriter.NewWriter(os.Stdout)
			tw.SetHeader([]string{"table", "max records", "max valuelog", "max memtables", "sstables", "max level"})
			for _, name := range names {
				tbl, err := db.TableCreateOrOpen(name, 1, 1, 1)
				if err != nil {
					return err
				}
				st, err := tbl.Stats()
				if err != nil {
					return err
				}
				total := st.PendingSSTables
				for _, ls := range st.Levels {
					total += ls.SSTables
				}
				tw.Append([]string{
					name,
					strconv.FormatUint(st.MaxRecordCount, 10),
					strconv.FormatUint(st.MaxValuelogSize, 10),
					strconv.FormatUint(st.MaxMemtableCount, 10),
					strconv.Itoa(total),
					strconv.FormatUint(st.MaxLevel, 10),
				})
			}
			tw.Render()
			return nil
		},
	}
	c.Flags().StringVar(&dbName, "db", "", "database name")
	_ = c.MarkFlagRequired("db")
	return c
}

func levelsCmd() *cobra.Command {
	var dbName, tblName string
	c := &cobra.Command{
		Use:   "levels",
		Short: "per-level record counts of one table",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			db, err := store.DatabaseCreateOrOpen(dbName)
			if err != nil {
				return err
			}
			tbl, err := db.TableCreateOrOpen(tblName, 1, 1, 1)
			if err != nil {
				return err
			}
			st, err := tbl.Stats()
			if err != nil {
				return err
			}
			levels := make([]uint64, 0, len(st.Levels))
			for lvl := range st.Levels {
				levels = append(levels, lvl)
			}
			sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
			series := make([]float64, 0, len(levels))
			for _, lvl := range levels {
				ls := st.Levels[lvl]
				fmt.Printf("level %d: %d sstables, %d records\n", lvl, ls.SSTables, ls.Records)
				series = append(series, float64(ls.Records))
			}
			if len(series) > 1 {
				fmt.Println(asciigraph.Plot(series, asciigraph.Height(8), asciigraph.Caption("records per level")))
			}
			return nil
		},
	}
	c.Flags().StringVar(&dbName, "db", "", "database name")
	c.Flags().StringVar(&tblName, "table", "", "table name")
	_ = c.MarkFlagRequired("db")
	_ = c.MarkFlagRequired("table")
	return c
}
