// Command a3k is the SQL-queryable front end over a directory of
// compressed Crossref containers. It is a single flag bag, not a
// verb-per-subcommand CLI -- mirroring the source's argparse program,
// since its command surface is one operation with many knobs, not
// several distinct actions.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/panos-span/alexandria3k/internal/cache"
	"github.com/panos-span/alexandria3k/internal/catalog"
	"github.com/panos-span/alexandria3k/internal/config"
	"github.com/panos-span/alexandria3k/internal/csvout"
	"github.com/panos-span/alexandria3k/internal/decoder"
	"github.com/panos-span/alexandria3k/internal/executor"
	"github.com/panos-span/alexandria3k/internal/normalize"
	"github.com/panos-span/alexandria3k/internal/orcid"
	"github.com/panos-span/alexandria3k/internal/perf"
	"github.com/panos-span/alexandria3k/internal/population"
	"github.com/panos-span/alexandria3k/internal/sample"
	"github.com/panos-span/alexandria3k/internal/sqliteutil"
	"github.com/panos-span/alexandria3k/internal/vtab"
)

// flags mirrors the source's argparse option set one-for-one.
type flags struct {
	crossrefDirectory string
	cachedBytes       int64
	cachedFileNumber  int
	columns           []string
	rowSelection      string
	index             []string
	query             string
	queryFile         string
	partition         bool
	populateDBPath    string
	normalizeKinds    []string
	orcidData         string
	linkedRecords     []string
	output            string
	outputEncoding    string
	fieldSeparator    string
	listSchema        bool
	sample            string
	debug             []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "a3k: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "a3k",
		Short: "SQL-queryable access to a Crossref bibliographic corpus",
		Long: `a3k exposes a directory of compressed Crossref JSON containers as a
relational schema, queryable with standard SQL including joins across
nested collections (authors, references, subjects, funders), and can
materialize a filtered subset into a persistent SQLite database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVarP(&f.crossrefDirectory, "crossref-directory", "C", "", "directory of compressed Crossref containers")
	cmd.Flags().Int64VarP(&f.cachedBytes, "cached-bytes", "B", 0, "file cache bound, in decoded bytes (mutually exclusive with --cached-file-number)")
	cmd.Flags().IntVarP(&f.cachedFileNumber, "cached-file-number", "N", 0, "file cache bound, in resident container count")
	cmd.Flags().StringSliceVarP(&f.columns, "columns", "c", nil, "table.column or table.* output specifications for --populate-db-path")
	cmd.Flags().StringVarP(&f.rowSelection, "row-selection", "r", "", "SQL WHERE-clause expression restricting populated rows")
	cmd.Flags().StringSliceVarP(&f.index, "index", "i", nil, "auxiliary index to create before population, table(col,...)")
	cmd.Flags().StringVarP(&f.query, "query", "q", "", "SQL query to run over the virtual-table schema")
	cmd.Flags().StringVarP(&f.queryFile, "query-file", "Q", "", "path to a file containing the SQL query to run")
	cmd.Flags().BoolVarP(&f.partition, "partition", "P", false, "run the query in per-container partitioned mode")
	cmd.Flags().StringVarP(&f.populateDBPath, "populate-db-path", "p", "", "path to the persistent output database")
	cmd.Flags().StringSliceVarP(&f.normalizeKinds, "normalize", "n", nil, "post-hoc normalization passes to run: affiliations, subjects")
	cmd.Flags().StringVarP(&f.orcidData, "orcid-data", "O", "", "path to an ORCID side-load data file")
	cmd.Flags().StringSliceVarP(&f.linkedRecords, "linked-records", "l", nil, "restrict ORCID side-loading to these family names")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output file for query results (stdout if omitted)")
	cmd.Flags().StringVarP(&f.outputEncoding, "output-encoding", "E", "", "output text encoding name (default from config, else utf-8); not applied: results are written as UTF-8 regardless")
	cmd.Flags().StringVarP(&f.fieldSeparator, "field-separator", "F", "", "output field separator (default from config, else ,)")
	cmd.Flags().BoolVarP(&f.listSchema, "list-schema", "L", false, "print CREATE TABLE text for every catalog table and exit")
	cmd.Flags().StringVarP(&f.sample, "sample", "s", "", "row-sampling predicate applied in partitioned mode (see internal/sample)")
	cmd.Flags().StringSliceVarP(&f.debug, "debug", "D", nil, "debug categories: progress, perf, files-read, virtual-counts, virtual-data, populated-counts, populated-data, populated-reports")

	return cmd
}

func run(ctx context.Context, f flags) error {
	if f.listSchema {
		fmt.Print(catalog.ListSchema())
		return nil
	}

	defaults, err := config.Load()
	if err != nil {
		return err
	}
	applyDefaults(&f, defaults)

	debugSet := make(map[string]bool, len(f.debug))
	for _, d := range f.debug {
		debugSet[d] = true
	}
	sw := perf.New(debugSet["perf"], os.Stderr)

	query, err := resolveQuery(f)
	if err != nil {
		return err
	}

	needsCorpus := query != "" || f.populateDBPath != ""
	if needsCorpus && f.crossrefDirectory == "" {
		return fmt.Errorf("--crossref-directory is required when querying or populating")
	}
	if len(f.normalizeKinds) > 0 && f.populateDBPath == "" {
		return fmt.Errorf("--normalize requires --populate-db-path")
	}
	if f.orcidData != "" && f.populateDBPath == "" {
		return fmt.Errorf("--orcid-data requires --populate-db-path")
	}

	pred, err := sample.Parse(f.sample)
	if err != nil {
		return fmt.Errorf("--sample: %w", err)
	}

	if !needsCorpus {
		return nil
	}

	src, err := decoder.NewCrossrefSource(f.crossrefDirectory)
	if err != nil {
		return err
	}
	sw.Print("index corpus")

	bound := cache.Bound{MaxBytes: f.cachedBytes, MaxFiles: f.cachedFileNumber}
	if bound.MaxBytes <= 0 && bound.MaxFiles <= 0 {
		bound.MaxFiles = 100
	}
	fc, err := cache.New(src, bound)
	if err != nil {
		return err
	}

	db, err := sqliteutil.OpenShared()
	if err != nil {
		return err
	}
	defer db.Close()

	regConn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open registration connection: %w", err)
	}
	defer regConn.Close()

	raw, err := sqliteutil.Raw(ctx, regConn)
	if err != nil {
		return err
	}
	if err := vtab.Register(ctx, raw, fc); err != nil {
		return err
	}
	sw.Print("register virtual tables")

	if debugSet["progress"] {
		ids, err := src.FileIDs(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "a3k: %d containers discovered\n", len(ids))
	}

	if debugSet["virtual-counts"] {
		if err := printTableCounts(ctx, db, catalog.Names()); err != nil {
			return err
		}
		printFilesRead(debugSet, fc)
	}

	if debugSet["virtual-data"] {
		if err := dumpTables(ctx, db, catalog.Names()); err != nil {
			return err
		}
		printFilesRead(debugSet, fc)
	}

	if query != "" {
		if err := runQuery(ctx, db, fc, query, f, pred); err != nil {
			return err
		}
		sw.Print("query")
		printFilesRead(debugSet, fc)
	}

	if f.populateDBPath != "" && len(f.columns) > 0 {
		if err := runPopulate(ctx, regConn, db, fc, f, debugSet); err != nil {
			return err
		}
		sw.Print("populate")
	}

	printFilesRead(debugSet, fc)
	return nil
}

// printFilesRead is the --debug files-read category: the cache's decode
// counter, checked after every phase that might have grown it (the
// source prints FileCache.file_reads after population, query, and at
// the very end of main).
func printFilesRead(debugSet map[string]bool, fc *cache.FileCache) {
	if debugSet["files-read"] {
		fmt.Fprintf(os.Stderr, "%d files read\n", fc.Reads())
	}
}

// printTableCounts is the --debug virtual-counts / populated-counts
// category: a count(*) per named table plus the source's one
// cross-table count, distinct author ORCIDs (only when work_authors is
// one of tables, since a restricted --columns population may not have
// populated it).
func printTableCounts(ctx context.Context, db *sql.DB, tables []string) error {
	hasAuthors := false
	for _, name := range tables {
		var n int64
		if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", name)).Scan(&n); err != nil {
			return fmt.Errorf("table counts: %s: %w", name, err)
		}
		fmt.Fprintf(os.Stderr, "%d element(s)\tin %s\n", n, name)
		hasAuthors = hasAuthors || name == "work_authors"
	}
	if !hasAuthors {
		return nil
	}

	var orcids int64
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM
		(SELECT DISTINCT orcid FROM work_authors WHERE orcid IS NOT NULL AND orcid != '')`).Scan(&orcids)
	if err != nil {
		return fmt.Errorf("table counts: unique orcids: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%d unique author ORCID(s)\n", orcids)
	return nil
}

// dumpTables is the --debug virtual-data / populated-data category: a
// tab-separated dump of every row of every named table.
func dumpTables(ctx context.Context, db *sql.DB, tables []string) error {
	for _, table := range tables {
		rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", table))
		if err != nil {
			return fmt.Errorf("dump: %s: %w", table, err)
		}
		res, err := scanRows(rows)
		rows.Close()
		if err != nil {
			return fmt.Errorf("dump: %s: %w", table, err)
		}
		fmt.Fprintf(os.Stderr, "TABLE %s\n", table)
		if err := csvout.Write(os.Stderr, res.Columns, res.Rows, '\t'); err != nil {
			return err
		}
	}
	return nil
}

// printPopulatedReports is the --debug populated-reports category: the
// canned reports the source's populated_reports prints -- top
// publishing authors by ORCID, and author/affiliation pairs.
func printPopulatedReports(ctx context.Context, pdb *sql.DB) error {
	fmt.Fprintln(os.Stderr, "Authors with most publications")
	rows, err := pdb.QueryContext(ctx, `
		SELECT count(*), orcid FROM work_authors
		WHERE orcid IS NOT NULL AND orcid != ''
		GROUP BY orcid ORDER BY count(*) DESC LIMIT 3`)
	if err != nil {
		return fmt.Errorf("populated-reports: top authors: %w", err)
	}
	if err := printReportRows(rows); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Author affiliations")
	rows, err = pdb.QueryContext(ctx, `
		SELECT work_authors.given, work_authors.family, author_affiliations.name
		FROM work_authors
		INNER JOIN author_affiliations ON work_authors.id = author_affiliations.author_id`)
	if err != nil {
		return fmt.Errorf("populated-reports: author affiliations: %w", err)
	}
	return printReportRows(rows)
}

func printReportRows(rows *sql.Rows) error {
	defer rows.Close()
	res, err := scanRows(rows)
	if err != nil {
		return err
	}
	for _, row := range res.Rows {
		fmt.Fprintln(os.Stderr, row)
	}
	return nil
}

func scanRows(rows *sql.Rows) (*executor.Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &executor.Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

// applyDefaults fills flags the caller did not set from config.Load's
// resolved defaults -- flags always win, config wins over built-ins.
func applyDefaults(f *flags, d config.Defaults) {
	if f.cachedBytes <= 0 && f.cachedFileNumber <= 0 {
		if d.CachedBytes > 0 {
			f.cachedBytes = d.CachedBytes
		} else if d.CachedFileNumber > 0 {
			f.cachedFileNumber = d.CachedFileNumber
		}
	}
	if f.outputEncoding == "" {
		f.outputEncoding = d.OutputEncoding
	}
	if f.fieldSeparator == "" {
		f.fieldSeparator = d.FieldSeparator
	}
}

func resolveQuery(f flags) (string, error) {
	if f.query != "" && f.queryFile != "" {
		return "", fmt.Errorf("--query and --query-file are mutually exclusive")
	}
	if f.queryFile != "" {
		b, err := os.ReadFile(f.queryFile)
		if err != nil {
			return "", fmt.Errorf("read --query-file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return f.query, nil
}

func runQuery(ctx context.Context, db *sql.DB, fc *cache.FileCache, query string, f flags, pred sample.Predicate) error {
	var res *executor.Result
	var err error
	if f.partition {
		res, err = executor.Partitioned(ctx, db, fc, query, executor.Options{Sample: pred, Parallel: true})
	} else {
		res, err = executor.Stream(ctx, db, query)
	}
	if err != nil {
		return err
	}

	out := os.Stdout
	if f.output != "" {
		file, ferr := os.Create(f.output)
		if ferr != nil {
			return fmt.Errorf("create --output %s: %w", f.output, ferr)
		}
		defer file.Close()
		out = file
	}

	sep := ','
	if f.fieldSeparator != "" {
		sep = []rune(f.fieldSeparator)[0]
	}
	return csvout.Write(out, res.Columns, res.Rows, sep)
}

func runPopulate(ctx context.Context, conn *sql.Conn, db *sql.DB, fc *cache.FileCache, f flags, debugSet map[string]bool) error {
	plan, err := population.NewPlan(ctx, db, f.columns, f.rowSelection, f.index)
	if err != nil {
		return err
	}
	if err := population.Populate(ctx, conn, fc, f.populateDBPath, plan); err != nil {
		return err
	}
	printFilesRead(debugSet, fc)

	if len(f.normalizeKinds) > 0 {
		pdb, err := sql.Open("sqlite3", f.populateDBPath)
		if err != nil {
			return fmt.Errorf("open populated database for normalization: %w", err)
		}
		defer pdb.Close()
		if err := normalize.All(ctx, pdb, f.normalizeKinds); err != nil {
			return err
		}
	}

	if f.orcidData != "" {
		pdb, err := sql.Open("sqlite3", f.populateDBPath)
		if err != nil {
			return fmt.Errorf("open populated database for orcid side-load: %w", err)
		}
		defer pdb.Close()

		var loader orcid.Loader = orcid.FileLoader{}
		records, err := loader.Load(ctx, f.orcidData)
		if err != nil {
			return err
		}
		records = orcid.LinkedRecordsOnly(records, f.linkedRecords)
		if _, err := orcid.Populate(ctx, pdb, records); err != nil {
			return err
		}
	}

	if debugSet["populated-counts"] || debugSet["populated-data"] || debugSet["populated-reports"] {
		pdb, err := sql.Open("sqlite3", f.populateDBPath)
		if err != nil {
			return fmt.Errorf("open populated database for debug reporting: %w", err)
		}
		defer pdb.Close()

		populated := populatedTableNames(plan)
		if debugSet["populated-counts"] {
			if err := printTableCounts(ctx, pdb, populated); err != nil {
				return err
			}
		}
		if debugSet["populated-data"] {
			if err := dumpTables(ctx, pdb, populated); err != nil {
				return err
			}
		}
		if debugSet["populated-reports"] {
			if err := printPopulatedReports(ctx, pdb); err != nil {
				return err
			}
		}
	}

	return nil
}

// populatedTableNames returns the tables a Plan actually populated, in
// no particular order -- used by --debug populated-data so the dump
// only touches tables the run created.
func populatedTableNames(plan *population.Plan) []string {
	names := make([]string, 0, len(plan.PopulationColumns))
	for name := range plan.PopulationColumns {
		names = append(names, name)
	}
	return names
}
