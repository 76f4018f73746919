package database

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind identifies the relational engine behind a connection.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindMySQL    Kind = "mysql"
	KindPostgres Kind = "postgres"
)

// Networked reports whether the engine is reached over the network and
// therefore needs credentials.
func (k Kind) Networked() bool {
	return k == KindMySQL || k == KindPostgres
}

// Dialect returns the SQL dialect name shown to the model.
func (k Kind) Dialect() string {
	switch k {
	case KindSQLite:
		return "SQLite"
	case KindMySQL:
		return "MySQL"
	case KindPostgres:
		return "PostgreSQL"
	}
	return "SQL"
}

func (k Kind) defaultPort() int {
	switch k {
	case KindMySQL:
		return 3306
	case KindPostgres:
		return 5432
	}
	return 0
}

// Descriptor describes how to reach a database. Local engines only use Path;
// networked engines require Host, User, Password and Database.
type Descriptor struct {
	Kind     Kind   `json:"kind"`
	Path     string `json:"path,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`
}

// Validate reports missing fields as ErrConfigIncomplete.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindSQLite:
		if strings.TrimSpace(d.Path) == "" {
			return fmt.Errorf("%w: sqlite path is required", ErrConfigIncomplete)
		}
		return nil
	case KindMySQL, KindPostgres:
		var missing []string
		if strings.TrimSpace(d.Host) == "" {
			missing = append(missing, "host")
		}
		if strings.TrimSpace(d.User) == "" {
			missing = append(missing, "user")
		}
		if d.Password == "" {
			missing = append(missing, "password")
		}
		if strings.TrimSpace(d.Database) == "" {
			missing = append(missing, "database")
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s connection is missing %s",
				ErrConfigIncomplete, d.Kind, strings.Join(missing, ", "))
		}
		return nil
	case "":
		return fmt.Errorf("%w: database kind is required", ErrConfigIncomplete)
	default:
		return fmt.Errorf("%w: unsupported database kind %q", ErrConfigIncomplete, d.Kind)
	}
}

// Address returns host:port for networked engines.
func (d Descriptor) Address() string {
	port := d.Port
	if port == 0 {
		port = d.Kind.defaultPort()
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// Key is the normalized cache key: kind, target and a hash of the credentials.
// Passwords never appear in the key in clear text.
func (d Descriptor) Key() string {
	if d.Kind == KindSQLite {
		p := d.Path
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		return string(d.Kind) + "|" + filepath.Clean(p)
	}
	sum := sha256.Sum256([]byte(d.User + "\x00" + d.Password))
	return fmt.Sprintf("%s|%s/%s|%s", d.Kind, strings.ToLower(d.Address()), d.Database,
		hex.EncodeToString(sum[:8]))
}

// String is a log-safe rendering.
func (d Descriptor) String() string {
	if d.Kind == KindSQLite {
		return fmt.Sprintf("sqlite:%s", d.Path)
	}
	return fmt.Sprintf("%s://%s@%s/%s", d.Kind, d.User, d.Address(), d.Database)
}
