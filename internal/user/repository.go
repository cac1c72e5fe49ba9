package user

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SetPublicKey stores (or replaces) a user's public identity key,
// provisioning the directory row on first upload. Only the owner ever
// reaches this through the authenticated handler.
func (r *Repository) SetPublicKey(ctx context.Context, userID int, username, publicKey string) error {
	query := `INSERT INTO users (id, username, public_key) VALUES ($1, $2, $3)
	          ON CONFLICT (id) DO UPDATE SET username = $2, public_key = $3`
	_, err := r.db.ExecContext(ctx, query, userID, username, publicKey)
	return err
}

// GetPublicKeys returns a map of user id to public identity key for the
// requested users. Users without an uploaded key are omitted.
func (r *Repository) GetPublicKeys(ctx context.Context, userIDs []int) (map[int]string, error) {
	keys := make(map[int]string)
	if len(userIDs) == 0 {
		return keys, nil
	}

	placeholders := make([]string, len(userIDs))
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT id, public_key FROM users WHERE id IN (%s) AND public_key IS NOT NULL`,
		strings.Join(placeholders, ", "),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, err
		}
		keys[id] = key
	}
	return keys, rows.Err()
}

// SearchUsers finds potential conversation counterparts by username.
// We limit to 20 to keep it fast.
func (r *Repository) SearchUsers(ctx context.Context, query string, excludeID int) ([]User, error) {
	q := `SELECT id, username, COALESCE(public_key, '')
	      FROM users WHERE username ILIKE $1 AND id <> $2 LIMIT 20`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PublicKey); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
