package dsroute

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
)

var (
	mapper      = reflectx.NewMapperFunc("db", strings.ToLower)
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

	errNotSlicePtr = errors.New("dsroute: select destination must be a pointer to a slice")
	errNotPtr      = errors.New("dsroute: get destination must be a non-nil pointer")
)

// QueryxContext is QueryContext returning rows that can scan into structs
// using `db` tags.
func (ds *DataSource) QueryxContext(ctx context.Context, query string,
	args ...any) (*sqlx.Rows, error) {
	rows, err := ds.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlx.Rows{Rows: rows, Mapper: mapper}, nil
}

// SelectContext runs query on the pool selected for ctx and scans every
// row into dest, a pointer to a slice of structs, struct pointers or
// scannable values.
func (ds *DataSource) SelectContext(ctx context.Context, dest any, query string,
	args ...any) error {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Slice {
		return errNotSlicePtr
	}
	slice := v.Elem()
	elem := slice.Type().Elem()
	byPtr := elem.Kind() == reflect.Ptr
	base := elem
	if byPtr {
		base = elem.Elem()
	}

	rows, err := ds.QueryxContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vp := reflect.New(base)
		if err := scanRow(rows, vp.Interface(), base); err != nil {
			return err
		}
		if byPtr {
			slice.Set(reflect.Append(slice, vp))
		} else {
			slice.Set(reflect.Append(slice, vp.Elem()))
		}
	}
	return rows.Err()
}

// GetContext runs query on the pool selected for ctx and scans the first
// row into dest. It returns sql.ErrNoRows when the result is empty.
func (ds *DataSource) GetContext(ctx context.Context, dest any, query string,
	args ...any) error {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return errNotPtr
	}

	rows, err := ds.QueryxContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := scanRow(rows, dest, v.Elem().Type()); err != nil {
		return err
	}
	return rows.Close()
}

func scanRow(rows *sqlx.Rows, dest any, base reflect.Type) error {
	if isScannable(base) {
		return rows.Scan(dest)
	}
	return rows.StructScan(dest)
}

// A struct is scanned as a whole when it implements sql.Scanner or has no
// mapped fields, e.g. time.Time.
func isScannable(t reflect.Type) bool {
	if reflect.PtrTo(t).Implements(scannerType) {
		return true
	}
	if t.Kind() != reflect.Struct {
		return true
	}
	return len(mapper.TypeMap(t).Index) == 0
}
