// Package all registers every storage backend. Commands blank-import it.
package all

import (
	_ "batchload/internal/storage/mssql"
	_ "batchload/internal/storage/postgres"
	_ "batchload/internal/storage/sqlite"
)
