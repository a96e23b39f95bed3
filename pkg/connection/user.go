package connection

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	passwordLength = 32
	saltLength     = 32
	passwordChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	entityIDQuery   = `SELECT entity_id FROM guacamole_entity WHERE name = $1 AND type = 'USER'`
	insertEntity    = `INSERT INTO guacamole_entity (name, type) VALUES ($1, 'USER') RETURNING entity_id`
	insertUserQuery = `INSERT INTO guacamole_user (entity_id, password_hash, password_salt, password_date)
	VALUES ($1, $2, $3, $4)`
)

// EnsureUser returns the entity id of the gateway user name, creating the
// user with a random password if it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, name string) (int64, error) {
	var entityID int64
	err := s.policy.Do(ctx, "ensure user "+name, func(ctx context.Context) error {
		entityID = 0
		return s.withTx(ctx, func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, entityIDQuery, name).Scan(&entityID)
			if err == nil {
				return nil
			}
			if err != sql.ErrNoRows {
				return err
			}

			password, err := randomPassword(passwordLength)
			if err != nil {
				return err
			}
			salt := make([]byte, saltLength)
			if _, err := rand.Read(salt); err != nil {
				return errors.Wrap(err, "generate salt")
			}

			if err := tx.QueryRowContext(ctx, insertEntity, name).Scan(&entityID); err != nil {
				return errors.Wrap(err, "insert entity")
			}
			if _, err := tx.ExecContext(ctx, insertUserQuery, entityID, saltedHash(password, salt), salt, time.Now()); err != nil {
				entityID = 0
				return errors.Wrap(err, "insert user")
			}
			log.WithField("user", name).Info("Created gateway user")
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if entityID == 0 {
		// Lost a race against another scanner creating the same user.
		err = s.db.QueryRowContext(ctx, entityIDQuery, name).Scan(&entityID)
		if err != nil {
			return 0, errors.Wrapf(classify(err), "look up user %s", name)
		}
	}
	return entityID, nil
}

// saltedHash matches the gateway's own scheme: SHA-256 over the password
// followed by the upper-case hex salt.
func saltedHash(password string, salt []byte) []byte {
	h := sha256.New()
	h.Write([]byte(password))
	h.Write([]byte(strings.ToUpper(hex.EncodeToString(salt))))
	return h.Sum(nil)
}

func randomPassword(n int) (string, error) {
	max := big.NewInt(int64(len(passwordChars)))
	var b strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "generate password")
		}
		b.WriteByte(passwordChars[idx.Int64()])
	}
	return b.String(), nil
}
