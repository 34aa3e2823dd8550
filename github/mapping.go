package github

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/grantsync/grantsync"
)

// Mapping translates normalized emails to GitHub logins. Emails that
// are not mapped cannot be granted and are counted as unmapped by the
// applier.
type Mapping map[string]string

// LoadMapping reads an email-to-login table from a CSV file with the
// header "email,github_login". Emails are normalized the same way
// resolution normalizes them, rows missing either column are ignored.
func LoadMapping(path string) (Mapping, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 2
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading mapping %s: %w", path, err)
	}
	if len(records) == 0 || records[0][0] != "email" || records[0][1] != "github_login" {
		return nil, fmt.Errorf("mapping %s: expected header email,github_login", path)
	}

	mapping := Mapping{}
	for _, record := range records[1:] {
		email := grantsync.NormalizeEmail(record[0])
		login := strings.TrimSpace(record[1])
		if email == "" || login == "" {
			continue
		}
		mapping[email] = login
	}
	return mapping, nil
}
