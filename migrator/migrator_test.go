// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package migrator

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_suggestions.sql":   {Data: []byte("CREATE TABLE user_suggestions ();")},
		"0001_error_reports.sql": {Data: []byte("CREATE TABLE client_error_reports ();")},
		"README.md":              {Data: []byte("not a migration")},
		"nested/0003_x.sql":      {Data: []byte("ignored")},
	}

	migrations, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "0001_error_reports", migrations[0].Version)
	assert.Equal(t, "CREATE TABLE client_error_reports ();", migrations[0].SQL)
	assert.Equal(t, "0002_suggestions", migrations[1].Version)
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := LoadMigrations(fstest.MapFS{})
	require.NoError(t, err)
	assert.Empty(t, migrations)
}
