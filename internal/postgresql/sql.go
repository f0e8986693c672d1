// Copyright 2023 Sorint.lab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied
// See the License for the specific language governing permissions and
// limitations under the License.

package postgresql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Database is one row of pg_database as far as upgrades care.
type Database struct {
	Name      string
	AllowConn bool
}

// Locale describes the encoding/locale/provider of a cluster, read from
// template1 so upgrades can initialize the target identically.
type Locale struct {
	Encoding  string
	Collate   string
	Ctype     string
	Provider  string // "libc" or "icu", empty before v15
	IcuLocale string
}

func dbExec(ctx context.Context, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	return db.ExecContext(ctx, query, args...)
}

func query(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	return db.QueryContext(ctx, query, args...)
}

func ping(ctx context.Context, connParams ConnParams) error {
	db, err := sql.Open("postgres", connParams.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = dbExec(ctx, db, "select 1")
	return err
}

func listDatabases(ctx context.Context, connParams ConnParams) ([]Database, error) {
	db, err := sql.Open("postgres", connParams.ConnString())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := query(ctx, db, "select datname, datallowconn from pg_database where datname <> 'template0' order by datname")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dbs := []Database{}
	for rows.Next() {
		var d Database
		if err := rows.Scan(&d.Name, &d.AllowConn); err != nil {
			return nil, err
		}
		dbs = append(dbs, d)
	}
	return dbs, rows.Err()
}

func setDatAllowConn(ctx context.Context, connParams ConnParams, dbname string, allow bool) error {
	db, err := sql.Open("postgres", connParams.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()

	q := fmt.Sprintf("update pg_database set datallowconn = %t where datname = %s", allow, pq.QuoteLiteral(dbname))
	_, err = dbExec(ctx, db, q)
	return err
}

func templateLocale(ctx context.Context, connParams ConnParams, maj int) (*Locale, error) {
	db, err := sql.Open("postgres", connParams.ConnString())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	l := &Locale{}
	if maj >= 15 {
		row := db.QueryRowContext(ctx, `select pg_encoding_to_char(encoding), datcollate, datctype,
			case datlocprovider when 'i' then 'icu' else 'libc' end,
			coalesce(daticulocale, '')
			from pg_database where datname = 'template1'`)
		if err := row.Scan(&l.Encoding, &l.Collate, &l.Ctype, &l.Provider, &l.IcuLocale); err != nil {
			return nil, err
		}
		return l, nil
	}
	row := db.QueryRowContext(ctx, `select pg_encoding_to_char(encoding), datcollate, datctype
		from pg_database where datname = 'template1'`)
	if err := row.Scan(&l.Encoding, &l.Collate, &l.Ctype); err != nil {
		return nil, err
	}
	return l, nil
}

// setRoleReadOnlyDefault sets or resets default_transaction_read_only for a
// role. The dump import runs with it forced off so a cluster wide read-only
// default can't break the restore.
func setRoleReadOnlyDefault(ctx context.Context, connParams ConnParams, role string, off bool) error {
	db, err := sql.Open("postgres", connParams.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()

	var q string
	if off {
		q = fmt.Sprintf("alter role %s set default_transaction_read_only = off", pq.QuoteIdentifier(role))
	} else {
		q = fmt.Sprintf("alter role %s reset default_transaction_read_only", pq.QuoteIdentifier(role))
	}
	_, err = dbExec(ctx, db, q)
	return err
}

func (p *Manager) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
	defer cancel()
	return ping(ctx, p.localConnParams("template1"))
}

func (p *Manager) ListDatabases() ([]Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
	defer cancel()
	return listDatabases(ctx, p.localConnParams("template1"))
}

func (p *Manager) SetDatAllowConn(dbname string, allow bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
	defer cancel()
	return setDatAllowConn(ctx, p.localConnParams("template1"), dbname, allow)
}

// TemplateLocale returns the encoding/locale/provider of the cluster's
// template1 database.
func (p *Manager) TemplateLocale() (*Locale, error) {
	maj, _, err := p.BinaryVersion()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
	defer cancel()
	return templateLocale(ctx, p.localConnParams("template1"), maj)
}

// SetSuperuserReadOnlyOff forces default_transaction_read_only = off for the
// superuser; reset restores the previous default.
func (p *Manager) SetSuperuserReadOnlyOff() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
	defer cancel()
	return setRoleReadOnlyDefault(ctx, p.localConnParams("template1"), p.suUsername, true)
}

func (p *Manager) ResetSuperuserReadOnly() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
	defer cancel()
	return setRoleReadOnlyDefault(ctx, p.localConnParams("template1"), p.suUsername, false)
}
