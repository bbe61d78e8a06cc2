// Package db opens datasources and reads training records from them.
package db

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"submitter/pkg/io"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
	DriverCSV    = "csv"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Datasource is a parsed "driver://dsn" string.
type Datasource struct {
	Driver string
	DSN    string
	// Attach lists sqlite schemas attached next to the main database.
	Attach []string
}

func ParseDatasource(ds string) (Datasource, error) {
	parts := strings.SplitN(ds, "://", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Datasource{}, fmt.Errorf("datasource %q should be of the form driver://dsn", ds)
	}
	result := Datasource{Driver: parts[0], DSN: parts[1]}
	switch result.Driver {
	case DriverMySQL:
		if _, err := mysql.ParseDSN(result.DSN); err != nil {
			return Datasource{}, fmt.Errorf("invalid mysql dsn: %w", err)
		}
	case DriverSQLite:
		path, rawQuery := result.DSN, ""
		if i := strings.Index(path, "?"); i >= 0 {
			path, rawQuery = path[:i], path[i+1:]
		}
		query, err := url.ParseQuery(rawQuery)
		if err != nil {
			return Datasource{}, fmt.Errorf("invalid sqlite3 dsn: %w", err)
		}
		for _, schema := range strings.Split(query.Get("attach"), ",") {
			if schema == "" {
				continue
			}
			if strings.Contains(schema, ".") || !identifier.MatchString(schema) {
				return Datasource{}, fmt.Errorf("invalid schema name %q", schema)
			}
			result.Attach = append(result.Attach, schema)
		}
		query.Del("attach")
		result.DSN = path
		if encoded := query.Encode(); encoded != "" {
			result.DSN += "?" + encoded
		}
	case DriverCSV:
	default:
		return Datasource{}, fmt.Errorf("unsupported driver %s", result.Driver)
	}
	return result, nil
}

// DB reads records from a SQL database, or from CSV files in a directory
// when the driver is csv. For csv the selection names a file.
type DB struct {
	Datasource
	x *sqlx.DB
}

func Open(ctx context.Context, datasource string) (*DB, error) {
	ds, err := ParseDatasource(datasource)
	if err != nil {
		return nil, err
	}
	if ds.Driver == DriverCSV {
		return &DB{Datasource: ds}, nil
	}

	x, err := sqlx.Open(ds.Driver, ds.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s datasource", ds.Driver)
	}
	if ds.Driver == DriverSQLite {
		// attached schemas live on a single connection
		x.SetMaxOpenConns(1)
		for _, schema := range ds.Attach {
			if _, err := x.ExecContext(ctx, "ATTACH DATABASE ? AS "+schema, attachPath(ds.DSN, schema)); err != nil {
				x.Close()
				return nil, errors.Wrapf(err, "error attaching schema %s", schema)
			}
		}
	}
	if err := x.PingContext(ctx); err != nil {
		x.Close()
		return nil, errors.Wrapf(err, "error connecting to %s datasource", ds.Driver)
	}
	return &DB{Datasource: ds, x: x}, nil
}

func attachPath(dsn, schema string) string {
	main := dsn
	if i := strings.Index(main, "?"); i >= 0 {
		main = main[:i]
	}
	if main == "" || strings.Contains(main, ":memory:") {
		return ":memory:"
	}
	return filepath.Join(filepath.Dir(strings.TrimPrefix(main, "file:")), schema+".db")
}

func (d *DB) Close() error {
	if d.x == nil {
		return nil
	}
	return d.x.Close()
}

// Exec runs a statement that returns no rows.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) error {
	if d.x == nil {
		return fmt.Errorf("%s datasource does not support statements", d.Driver)
	}
	_, err := d.x.ExecContext(ctx, query, args...)
	return errors.Wrapf(err, "error executing %q", query)
}

// Query runs selection and converts every row with metas and label.
func (d *DB) Query(ctx context.Context, selection string, metas []io.FieldMeta, label io.FieldMeta) ([]*io.Record, error) {
	if d.Driver == DriverCSV {
		records, dataErrors, err := io.LoadCSV(filepath.Join(d.DSN, selection), metas, label)
		for _, e := range dataErrors {
			log.Error().Int("line", e.Line).Str("file", selection).Msg(e.Error)
		}
		return records, err
	}

	rows, err := d.x.QueryxContext(ctx, selection)
	if err != nil {
		return nil, errors.Wrapf(err, "error running %q", selection)
	}
	defer rows.Close()

	var records []*io.Record
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, errors.Wrap(err, "error scanning row")
		}
		record, err := io.ParseRow(metas, label, func(name string) interface{} { return row[name] })
		if err != nil {
			return nil, errors.Wrapf(err, "error parsing row %d", len(records))
		}
		records = append(records, record)
	}
	return records, errors.Wrap(rows.Err(), "error reading rows")
}

// InputFn returns a dataset-producing callable. The selection runs each time
// the callable is invoked.
func (d *DB) InputFn(selection string, metas []io.FieldMeta, label io.FieldMeta, batchSize, epochs int, shuffle bool, seed int64) io.InputFn {
	return func(ctx context.Context) (io.Dataset, error) {
		records, err := d.Query(ctx, selection, metas, label)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("select", selection).Int("records", len(records)).Msg("Loaded dataset")
		return io.NewEpochDataset(records, batchSize, epochs, shuffle, seed), nil
	}
}

const (
	ColumnString = "VARCHAR(255)"
	ColumnFloat  = "DOUBLE"
	ColumnInt    = "INT"
)

type Column struct {
	Name string
	Type string
}

// WriteTable replaces table with rows.
func (d *DB) WriteTable(ctx context.Context, table string, columns []Column, rows [][]interface{}) error {
	if !identifier.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	defs := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		if !identifier.MatchString(c.Name) || strings.Contains(c.Name, ".") {
			return fmt.Errorf("invalid column name %q", c.Name)
		}
		defs[i] = c.Name + " " + c.Type
		marks[i] = "?"
	}
	if err := d.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return err
	}
	if err := d.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
		return err
	}
	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, strings.Join(marks, ", "))
	for _, row := range rows {
		if err := d.Exec(ctx, insert, row...); err != nil {
			return err
		}
	}
	return nil
}
