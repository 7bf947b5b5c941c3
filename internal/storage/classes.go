package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateClass(c Class) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := c.TextbookStatus
	if status == "" {
		status = "none"
	}
	_, err := s.db.Exec(`
		INSERT INTO classes (id, user_id, name, textbook_status, textbook_job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, status, c.TextbookJobID, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetClass(id string) (Class, error) {
	var c Class
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, name, textbook_status, textbook_job_id, created_at
		FROM classes WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.TextbookStatus, &c.TextbookJobID, &createdAt)
	if err == sql.ErrNoRows {
		return Class{}, ErrNotFound
	}
	if err != nil {
		return Class{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Class{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

func (s *Store) ListClasses(userID string) ([]Class, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, name, textbook_status, textbook_job_id, created_at
		FROM classes WHERE user_id = ? ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classes []Class
	for rows.Next() {
		var c Class
		var createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.TextbookStatus, &c.TextbookJobID, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = t
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// UpdateClassTextbook sets the textbook processing status and job id together.
func (s *Store) UpdateClassTextbook(id, status, jobID string) error {
	res, err := s.db.Exec(`
		UPDATE classes SET textbook_status = ?, textbook_job_id = ? WHERE id = ?`,
		status, jobID, id,
	)
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

// UpdateClassTextbookStatus changes only the status, preserving the job id.
func (s *Store) UpdateClassTextbookStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE classes SET textbook_status = ? WHERE id = ?`, status, id)
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

// --- Assignments ---

func (s *Store) CreateAssignment(a Assignment) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO assignments (id, user_id, file, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.UserID, a.File, createdAt.Format(time.RFC3339),
	)
	return err
}

// ListRecentAssignments returns the user's most recent assignments, newest first.
func (s *Store) ListRecentAssignments(userID string, limit int) ([]Assignment, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, file, created_at
		FROM assignments WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.File, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// --- Prep items ---

func (s *Store) CreatePrepItem(p PrepItem) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	problems := p.ProblemsJSON
	if problems == "" {
		problems = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO prep_items (id, user_id, title, feedback, problems, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Title, p.Feedback, problems, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListPrepItems(userID string) ([]PrepItem, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, title, feedback, problems, created_at
		FROM prep_items WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PrepItem
	for rows.Next() {
		var p PrepItem
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.Feedback, &p.ProblemsJSON, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		p.CreatedAt = t
		items = append(items, p)
	}
	return items, rows.Err()
}
