package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateChat(c Chat) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	messages := c.MessagesJSON
	if messages == "" {
		messages = "[]"
	}
	files := c.FilesJSON
	if files == "" {
		files = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO chats (id, user_id, class_id, name, topic, messages, files, total_uploaded_mb, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ClassID, c.Name, c.Topic, messages, files,
		c.TotalUploadedMB, createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetChat(id string) (Chat, error) {
	var c Chat
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, class_id, name, topic, messages, files, total_uploaded_mb, created_at
		FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.ClassID, &c.Name, &c.Topic, &c.MessagesJSON, &c.FilesJSON, &c.TotalUploadedMB, &createdAt)
	if err == sql.ErrNoRows {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Chat{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

// UpdateChatMessages replaces the chat transcript as a whole.
func (s *Store) UpdateChatMessages(id, messagesJSON string) error {
	return s.updateChatField(id, "messages", messagesJSON)
}

func (s *Store) UpdateChatName(id, name string) error {
	return s.updateChatField(id, "name", name)
}

func (s *Store) UpdateChatTopic(id, topic string) error {
	return s.updateChatField(id, "topic", topic)
}

func (s *Store) updateChatField(id, column, value string) error {
	res, err := s.db.Exec(`UPDATE chats SET `+column+` = ? WHERE id = ?`, value, id)
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

// ListUserTopics returns the distinct non-empty topics across a user's chats.
func (s *Store) ListUserTopics(userID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT topic FROM chats WHERE user_id = ? AND topic != '' ORDER BY topic ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (s *Store) DeleteChat(id string) error {
	if _, err := s.db.Exec(`DELETE FROM chat_files WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chat files: %w", err)
	}
	res, err := s.db.Exec(`DELETE FROM chats WHERE id = ?`, id)
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

// SaveChatFile stores an attachment blob, appends its name to the chat's file
// list, and adds sizeMB to the chat's lifetime upload total, in one transaction.
func (s *Store) SaveChatFile(chatID, name string, data []byte, sizeMB float64, filesJSON string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO chat_files (chat_id, name, data, created_at) VALUES (?, ?, ?, ?)`,
		chatID, name, data, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting chat file: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE chats SET files = ?, total_uploaded_mb = total_uploaded_mb + ? WHERE id = ?`,
		filesJSON, sizeMB, chatID,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("updating chat files: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetChatFile(chatID, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`
		SELECT data FROM chat_files WHERE chat_id = ? AND name = ?`, chatID, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return data, err
}
