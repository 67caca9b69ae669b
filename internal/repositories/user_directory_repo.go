package repositories

import (
	"context"

	"github.com/arasola/recoverygate/internal/database"
	"github.com/arasola/recoverygate/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserDirectoryRepository answers "does a user with this exact email exist"
// against the identity directory's users table. Lookups are case-sensitive
// exact matches; the gate decides which casings to try.
type UserDirectoryRepository struct {
	pool *pgxpool.Pool
}

func NewUserDirectoryRepository(db *database.DB) *UserDirectoryRepository {
	return &UserDirectoryRepository{pool: db.Pool}
}

func (r *UserDirectoryRepository) FindUserByEmail(ctx context.Context, email string) (*models.DirectoryUser, error) {
	query := `SELECT id, email FROM users WHERE email = $1`

	var user models.DirectoryUser
	err := r.pool.QueryRow(ctx, query, email).Scan(&user.ID, &user.Email)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &user, nil
}
