package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// schemaFile is the declarative bootstrap format.
//
//	tables:
//	  contacts:
//	    columns:
//	      - name: id
//	        type: bigint
//	        primary_key: true
//	      - name: tenant_id
//	        type: bigint
//	        fk_target: tenants.id
type schemaFile struct {
	Tables map[string]struct {
		Columns []struct {
			Name       string `yaml:"name"`
			Type       string `yaml:"type"`
			Nullable   bool   `yaml:"nullable"`
			PrimaryKey bool   `yaml:"primary_key"`
			Unique     bool   `yaml:"unique"`
			FKTarget   string `yaml:"fk_target"`
		} `yaml:"columns"`
	} `yaml:"tables"`
}

// LoadSchemaFile parses a declarative schema description.
func LoadSchemaFile(path string) ([]domain.CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	if len(sf.Tables) == 0 {
		return nil, fmt.Errorf("schema file declares no tables")
	}

	var entries []domain.CatalogEntry
	for table, def := range sf.Tables {
		if len(def.Columns) == 0 {
			return nil, fmt.Errorf("table %q declares no columns", table)
		}
		for _, col := range def.Columns {
			if col.Name == "" {
				return nil, fmt.Errorf("table %q has a column without a name", table)
			}
			entries = append(entries, domain.CatalogEntry{
				Table:      table,
				Column:     col.Name,
				Type:       col.Type,
				Nullable:   col.Nullable,
				PrimaryKey: col.PrimaryKey,
				Unique:     col.Unique,
				FKTarget:   col.FKTarget,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key() < entries[j].Key() })
	return entries, nil
}
