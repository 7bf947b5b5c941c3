package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateUser(u User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	usage := u.UsageJSON
	if usage == "" {
		usage = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO users (id, name, email, plan_id, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.PlanID, usage, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetUser(id string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, name, email, plan_id, usage, created_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.PlanID, &u.UsageJSON, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

// UpdateUserUsage replaces the user's usage record as a whole.
func (s *Store) UpdateUserUsage(id, usageJSON string) error {
	res, err := s.db.Exec(`UPDATE users SET usage = ? WHERE id = ?`, usageJSON, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreatePlan(p Plan) error {
	features := p.FeaturesJSON
	if features == "" {
		features = "[]"
	}
	limits := p.LimitsJSON
	if limits == "" {
		limits = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO plans (id, name, features, limits) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, features, limits,
	)
	return err
}

func (s *Store) GetPlan(id string) (Plan, error) {
	var p Plan
	err := s.db.QueryRow(`
		SELECT id, name, features, limits FROM plans WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.FeaturesJSON, &p.LimitsJSON)
	if err == sql.ErrNoRows {
		return Plan{}, ErrNotFound
	}
	return p, err
}
