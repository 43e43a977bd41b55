// SPDX-License-Identifier: MIT

package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
)

// VerifyIntegrity checks a SQLite database for structural corruption.
// Mode is "quick" (PRAGMA quick_check) or "full" (PRAGMA integrity_check).
// It returns the diagnostic rows when corruption is found, nil when the
// database is healthy.
func VerifyIntegrity(path string, mode string) ([]string, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open for verification: %w", err)
	}
	defer db.Close()

	pragma := "PRAGMA quick_check;"
	if mode == "full" {
		pragma = "PRAGMA integrity_check;"
	}

	rows, err := db.Query(pragma)
	if err != nil {
		return nil, fmt.Errorf("sqlite: integrity pragma: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("sqlite: scan integrity row: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: integrity rows: %w", err)
	}

	// Success is exactly one row reading "ok".
	if len(results) == 1 && strings.EqualFold(results[0], "ok") {
		return nil, nil
	}
	if len(results) == 0 {
		return []string{"no results returned from integrity check"}, nil
	}
	return results, nil
}
