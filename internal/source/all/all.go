// Package all registers every source reader. Commands blank-import it.
package all

import (
	_ "batchload/internal/source/csv"
	_ "batchload/internal/source/html"
	_ "batchload/internal/source/json"
)
