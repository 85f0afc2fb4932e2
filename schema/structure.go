// Package schema holds the naming conventions the data-access layer
// relies on: primary keys, reference and back-reference keys, table
// aliases and required columns. Conventions can be configured in code or
// loaded from a YAML file.
package schema

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-openapi/inflect"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Structure describes the schema conventions of a database.
//
// The zero configuration follows the defaults: the primary key of every
// table is "id", the reference key of an association named "author" is
// "author_id", and the back-reference key of rows pointing back at table
// "user" is "user_id". Everything is overridable per table.
type Structure struct {
	mu sync.RWMutex

	aliases        map[string]string
	primary        map[string][]string
	references     map[string]map[string]string
	backReferences map[string]map[string]string
	required       map[string]map[string]struct{}
	generated      map[string]struct{}
	rewrite        func(table string) string
	pluralTables   bool
	keyGen         func() string
}

// NewStructure returns a Structure with default conventions.
func NewStructure() *Structure {
	return &Structure{
		aliases:        make(map[string]string),
		primary:        make(map[string][]string),
		references:     make(map[string]map[string]string),
		backReferences: make(map[string]map[string]string),
		required:       make(map[string]map[string]struct{}),
		generated:      make(map[string]struct{}),
		keyGen:         uuid.NewString,
	}
}

// SetAlias maps a name to a table. Aliased names can be used for
// associations that do not follow the table naming, e.g. "author" on the
// "user" table.
func (s *Structure) SetAlias(name, table string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[name] = table
	return s
}

// Alias returns the table a name refers to, or the name itself.
func (s *Structure) Alias(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if table, ok := s.aliases[name]; ok {
		return table
	}
	return name
}

// SetRewrite sets a rewrite function applied to every resolved table
// name, e.g. for prefixing all tables.
func (s *Structure) SetRewrite(fn func(table string) string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewrite = fn
	return s
}

// SetPluralTables enables pluralized table names: a name like "post"
// resolves to table "posts". Aliases take precedence.
func (s *Structure) SetPluralTables(plural bool) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pluralTables = plural
	return s
}

// TableName resolves a name to a concrete table name, applying the
// alias map, the plural-tables option and the rewrite function, in that
// order.
func (s *Structure) TableName(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := name
	if t, ok := s.aliases[name]; ok {
		table = t
	} else if s.pluralTables {
		table = inflect.Pluralize(table)
	}
	if s.rewrite != nil {
		table = s.rewrite(table)
	}
	return table
}

// SetPrimary sets the primary key column(s) of a table. More than one
// column defines a compound key.
func (s *Structure) SetPrimary(table string, columns ...string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary[table] = columns
	// Compound keys are always required for the row to be persistable.
	if len(columns) > 1 {
		if s.required[table] == nil {
			s.required[table] = make(map[string]struct{})
		}
		for _, c := range columns {
			s.required[table][c] = struct{}{}
		}
	}
	return s
}

// PrimaryKey returns the primary key column(s) of a table.
// Defaults to "id".
func (s *Structure) PrimaryKey(table string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if columns, ok := s.primary[table]; ok {
		return columns
	}
	return []string{"id"}
}

// SetReference sets the reference key used when rows of table point at
// an association with the given name.
func (s *Structure) SetReference(table, name, key string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.references[table] == nil {
		s.references[table] = make(map[string]string)
	}
	s.references[table][name] = key
	return s
}

// ReferenceKey returns the column on table holding the key of the named
// association. Defaults to name + "_id".
func (s *Structure) ReferenceKey(table, name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if keys, ok := s.references[table]; ok {
		if key, ok := keys[name]; ok {
			return key
		}
	}
	return name + "_id"
}

// SetBackReference sets the back-reference key used when rows of the
// named association point back at table.
func (s *Structure) SetBackReference(table, name, key string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backReferences[table] == nil {
		s.backReferences[table] = make(map[string]string)
	}
	s.backReferences[table][name] = key
	return s
}

// BackReferenceKey returns the column on rows of the named association
// holding the key of table. Defaults to table + "_id", singularized when
// plural tables are enabled.
func (s *Structure) BackReferenceKey(table, name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if keys, ok := s.backReferences[table]; ok {
		if key, ok := keys[name]; ok {
			return key
		}
	}
	if s.pluralTables {
		return inflect.Singularize(table) + "_id"
	}
	return table + "_id"
}

// SetRequired declares columns of a table that must be present before a
// row can be persisted by a recursive save.
func (s *Structure) SetRequired(table string, columns ...string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.required[table] == nil {
		s.required[table] = make(map[string]struct{})
	}
	for _, c := range columns {
		s.required[table][c] = struct{}{}
	}
	return s
}

// IsRequired reports whether a column of a table is required.
func (s *Structure) IsRequired(table, column string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.required[table][column]
	return ok
}

// RequiredColumns returns the required columns of a table.
func (s *Structure) RequiredColumns(table string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	columns := make([]string, 0, len(s.required[table]))
	for c := range s.required[table] {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}

// SetGenerated marks the primary key of a table as application-generated:
// new rows without a key value receive one from the key generator at
// insert, instead of reading the driver's last-insert-id afterwards.
func (s *Structure) SetGenerated(table string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generated[table] = struct{}{}
	return s
}

// IsGenerated reports whether the primary key of table is
// application-generated.
func (s *Structure) IsGenerated(table string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.generated[table]
	return ok
}

// SetKeyGenerator replaces the generator used for application-generated
// keys. The default produces UUID strings.
func (s *Structure) SetKeyGenerator(fn func() string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyGen = fn
	return s
}

// GenerateKey returns a new application-generated key.
func (s *Structure) GenerateKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyGen()
}

// fileConfig is the YAML layout accepted by Load and LoadFile.
type fileConfig struct {
	PluralTables bool                   `yaml:"pluralTables"`
	Aliases      map[string]string      `yaml:"aliases"`
	Tables       map[string]tableConfig `yaml:"tables"`
}

type tableConfig struct {
	Primary        yaml.Node         `yaml:"primary"` // scalar or sequence
	Required       []string          `yaml:"required"`
	References     map[string]string `yaml:"references"`
	BackReferences map[string]string `yaml:"backReferences"`
	Generated      bool              `yaml:"generated"`
}

// Load parses a YAML document into a Structure.
func Load(data []byte) (*Structure, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("schema: parse config: %w", err)
	}
	s := NewStructure()
	s.SetPluralTables(cfg.PluralTables)
	for name, table := range cfg.Aliases {
		s.SetAlias(name, table)
	}
	for table, tc := range cfg.Tables {
		switch tc.Primary.Kind {
		case 0: // absent
		case yaml.ScalarNode:
			var column string
			if err := tc.Primary.Decode(&column); err != nil {
				return nil, fmt.Errorf("schema: table %q: primary: %w", table, err)
			}
			s.SetPrimary(table, column)
		case yaml.SequenceNode:
			var columns []string
			if err := tc.Primary.Decode(&columns); err != nil {
				return nil, fmt.Errorf("schema: table %q: primary: %w", table, err)
			}
			s.SetPrimary(table, columns...)
		default:
			return nil, fmt.Errorf("schema: table %q: primary must be a string or a list", table)
		}
		if len(tc.Required) > 0 {
			s.SetRequired(table, tc.Required...)
		}
		for name, key := range tc.References {
			s.SetReference(table, name, key)
		}
		for name, key := range tc.BackReferences {
			s.SetBackReference(table, name, key)
		}
		if tc.Generated {
			s.SetGenerated(table)
		}
	}
	return s, nil
}

// LoadFile reads a YAML convention file into a Structure.
func LoadFile(path string) (*Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read config: %w", err)
	}
	return Load(data)
}
