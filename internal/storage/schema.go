package storage

import "embed"

// Schema DDL for both variants. The logical schema is identical; dialect
// differences are limited to column types and serial forms.
//
//go:embed schema/sqlite.sql schema/postgres.sql
var schemaFS embed.FS

func sqliteSchema() string {
	data, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		panic("embedded sqlite schema missing: " + err.Error())
	}
	return string(data)
}

func postgresSchema() string {
	data, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		panic("embedded postgres schema missing: " + err.Error())
	}
	return string(data)
}
