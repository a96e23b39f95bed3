package connection

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// Row defaults written for every managed connection.
	maxConnections         = 10
	maxConnectionsPerUser  = 10
	proxyPort              = 4822
	proxyHostname          = "guacd"
	proxyEncryptionMethod  = "NONE"
	readPermission         = "READ"
	defaultConnMaxLifetime = 5 * time.Minute
)

const (
	listManagedQuery = `SELECT c.connection_id, c.connection_name, c.protocol,
	(SELECT p.parameter_value FROM guacamole_connection_parameter p
	  WHERE p.connection_id = c.connection_id AND p.parameter_name = 'hostname'),
	(SELECT p.parameter_value FROM guacamole_connection_parameter p
	  WHERE p.connection_id = c.connection_id AND p.parameter_name = 'port')
FROM guacamole_connection c
WHERE c.connection_name LIKE $1 ESCAPE '\'
ORDER BY c.connection_id`

	// A key matches its bare name or the name followed by a display name.
	idsForKeyQuery = `SELECT connection_id, connection_name FROM guacamole_connection
WHERE connection_name = $1 OR connection_name LIKE $2 ESCAPE '\'`

	insertConnectionQuery = `INSERT INTO guacamole_connection (
	connection_name, protocol, max_connections, max_connections_per_user,
	proxy_port, proxy_hostname, proxy_encryption_method)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING connection_id`

	insertParameterQuery = `INSERT INTO guacamole_connection_parameter
	(connection_id, parameter_name, parameter_value) VALUES ($1, $2, $3)`

	insertPermissionQuery = `INSERT INTO guacamole_connection_permission
	(entity_id, connection_id, permission) VALUES ($1, $2, $3)`

	deleteParametersQuery  = `DELETE FROM guacamole_connection_parameter WHERE connection_id = $1`
	deletePermissionsQuery = `DELETE FROM guacamole_connection_permission WHERE connection_id = $1`
	deleteConnectionQuery  = `DELETE FROM guacamole_connection WHERE connection_id = $1`
)

// Options describes how to reach the gateway database.
type Options struct {
	// DSN is a lib/pq connection string.
	DSN string
	// Namespace restricts every read and write.
	Namespace Namespace
	// Policy governs retries of individual operations.
	Policy retry.Policy
}

// Store is the PostgreSQL-backed connection repository. Every operation runs
// in its own transaction, so one instance's failure never rolls back another's.
type Store struct {
	db        *sql.DB
	namespace Namespace
	policy    retry.Policy
	entityID  int64
}

// Open connects to the database and verifies it is reachable.
func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	s := NewStore(db, opts.Namespace, opts.Policy)
	err = s.policy.Do(ctx, "ping", func(ctx context.Context) error {
		return classify(db.PingContext(ctx))
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect to postgres")
	}
	return s, nil
}

// NewStore wraps an already opened database handle.
func NewStore(db *sql.DB, ns Namespace, policy retry.Policy) *Store {
	return &Store{db: db, namespace: ns, policy: policy.WithKind(retry.KindStore)}
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Locker returns a run lock backed by this store's database.
func (s *Store) Locker() *AdvisoryLocker {
	return NewAdvisoryLocker(s.db, s.policy)
}

// GrantTo makes every connection created afterwards readable by entityID.
// Zero disables the grant.
func (s *Store) GrantTo(entityID int64) {
	s.entityID = entityID
}

// ListManaged returns every connection inside the namespace. Rows in the
// prefix whose name does not decode are logged and left alone.
func (s *Store) ListManaged(ctx context.Context) ([]Connection, error) {
	conns, err := retry.Value(ctx, s.policy, "list connections", func(ctx context.Context) ([]Connection, error) {
		rows, err := s.db.QueryContext(ctx, listManagedQuery, s.namespace.likePattern())
		if err != nil {
			return nil, classify(err)
		}
		defer rows.Close()

		var result []Connection
		for rows.Next() {
			var (
				id       int64
				name     string
				protocol string
				hostname sql.NullString
				port     sql.NullString
			)
			if err := rows.Scan(&id, &name, &protocol, &hostname, &port); err != nil {
				return nil, classify(err)
			}
			key, display, ok := s.namespace.Parse(name)
			if !ok {
				log.WithField("connection", name).Warn("Ignoring connection in managed namespace with an undecodable name")
				continue
			}
			instanceID, _ := s.namespace.InstanceID(key)
			c := Connection{
				Key:         key,
				InstanceID:  instanceID,
				DisplayName: display,
				Protocol:    Protocol(protocol),
				Address:     hostname.String,
			}
			if port.Valid {
				c.Port, _ = strconv.Atoi(port.String)
			}
			result = append(result, c)
		}
		return result, classify(rows.Err())
	})
	if err != nil {
		return nil, err
	}

	seen := map[Key]string{}
	for _, c := range conns {
		if prev, ok := seen[c.Key]; ok {
			return nil, &NamespaceConflictError{
				Key:     c.Key,
				Sources: []string{prev, s.namespace.Name(c.Key, c.DisplayName)},
			}
		}
		seen[c.Key] = s.namespace.Name(c.Key, c.DisplayName)
	}
	return conns, nil
}

// Create inserts c with its parameters and permission. A connection that
// already exists under the same key is left untouched.
func (s *Store) Create(ctx context.Context, c Connection) error {
	if _, ok := s.namespace.InstanceID(c.Key); !ok {
		return errors.Errorf("refusing to create %q outside the managed namespace", c.Key)
	}
	return s.policy.Do(ctx, "create "+string(c.Key), func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			ids, err := s.idsForKey(ctx, tx, c.Key)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				log.WithField("key", c.Key).Debug("Connection already exists")
				return nil
			}

			var id int64
			err = tx.QueryRowContext(ctx, insertConnectionQuery,
				s.namespace.Name(c.Key, c.DisplayName),
				string(c.Protocol),
				maxConnections,
				maxConnectionsPerUser,
				proxyPort,
				proxyHostname,
				proxyEncryptionMethod,
			).Scan(&id)
			if err != nil {
				return err
			}

			for _, name := range c.ParameterNames() {
				if _, err := tx.ExecContext(ctx, insertParameterQuery, id, name, c.Parameters[name]); err != nil {
					return errors.Wrapf(err, "insert parameter %s", name)
				}
			}

			if s.entityID != 0 {
				if _, err := tx.ExecContext(ctx, insertPermissionQuery, s.entityID, id, readPermission); err != nil {
					return errors.Wrap(err, "insert permission")
				}
			}
			return nil
		})
	})
}

// Delete removes the connection stored under key together with its
// parameters and permissions. A missing connection is not an error.
func (s *Store) Delete(ctx context.Context, key Key) error {
	if _, ok := s.namespace.InstanceID(key); !ok {
		return errors.Errorf("refusing to delete %q outside the managed namespace", key)
	}
	return s.policy.Do(ctx, "delete "+string(key), func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			ids, err := s.idsForKey(ctx, tx, key)
			if err != nil {
				return err
			}
			for _, id := range ids {
				for _, q := range []string{deleteParametersQuery, deletePermissionsQuery, deleteConnectionQuery} {
					if _, err := tx.ExecContext(ctx, q, id); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
}

// idsForKey returns the rows stored under key. The LIKE only narrows the
// scan; names that do not decode to key are left alone, as ListManaged does.
func (s *Store) idsForKey(ctx context.Context, tx *sql.Tx, key Key) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, idsForKeyQuery, string(key), escapeLike(string(key))+" %")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		if !s.namespace.owns(name, key) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// withTx runs fn in a transaction. A unique violation means a concurrent
// writer got there first, which callers treat as success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			log.WithError(err).Debug("Concurrent insert detected, treating as success")
			return nil
		}
		return classify(err)
	}
	return classify(tx.Commit())
}
