package database

import (
	"database/sql"
	"fmt"
	"time"
)

const addMemberQuery = "INSERT INTO conversation_members (conversation_id, account_id, created_at) VALUES ($1, $2, $3)"

func (db *PgMercatoRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, photo_url, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PhotoUrl,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgMercatoRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, photo_url = $3, password_hash = $4, updated_at = $5 "+
			"WHERE id = $1 AND deleted = FALSE RETURNING id, username, email, photo_url, created_at, updated_at",
		params.UserId,
		params.Username,
		params.PhotoUrl,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PhotoUrl,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgMercatoRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, photo_url, created_at, updated_at FROM accounts "+
			"WHERE id = $1 AND deleted = FALSE LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PhotoUrl,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgMercatoRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, photo_url, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 AND deleted = FALSE LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PhotoUrl,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgMercatoRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO conversations (external_id, listing_title, last_message_at, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3, $3) RETURNING id, external_id, listing_title, last_message_at, created_at, updated_at",
		params.ExternalId,
		params.ListingTitle,
		time.Now().UTC(),
	)

	var conv Conversation
	err = res.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.ListingTitle,
		&conv.LastMessageAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	for _, memberId := range params.MemberIds {
		if _, err = tx.Exec(addMemberQuery, conv.Id, memberId, time.Now().UTC()); err != nil {
			return Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgMercatoRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, listing_title, last_message_at, created_at, updated_at FROM conversations "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var conv Conversation
	err := row.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.ListingTitle,
		&conv.LastMessageAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)

	return conv, err
}

func (db *PgMercatoRepository) ListConversations(accountId int) ([]Conversation, error) {
	rows, err := db.conn.Query(
		"SELECT c.id, c.external_id, c.listing_title, c.last_message_at, c.created_at, c.updated_at "+
			"FROM conversations c JOIN conversation_members cm ON cm.conversation_id = c.id "+
			"WHERE cm.account_id = $1 ORDER BY c.last_message_at DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(
			&conv.Id,
			&conv.ExternalId,
			&conv.ListingTitle,
			&conv.LastMessageAt,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

func (db *PgMercatoRepository) IsConversationMember(accountId, conversationId int) bool {
	res := db.conn.QueryRow(
		"SELECT 1 FROM conversation_members WHERE account_id = $1 AND conversation_id = $2 LIMIT 1",
		accountId,
		conversationId,
	)

	var one int
	return res.Scan(&one) == nil
}

func (db *PgMercatoRepository) GetConversationMembers(conversationId int) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT a.id, a.username, a.photo_url FROM conversation_members cm "+
			"JOIN accounts a ON a.id = cm.account_id "+
			"WHERE cm.conversation_id = $1 AND a.deleted = FALSE",
		conversationId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.PhotoUrl); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		members = append(members, u)
	}

	return members, rows.Err()
}

func (db *PgMercatoRepository) TouchConversation(conversationId int, at time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET last_message_at = $2, updated_at = $2 WHERE id = $1",
		conversationId,
		at,
	)

	return err
}

func (db *PgMercatoRepository) CreateMessage(msg Message) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (conversation_id, sender_id, type, content, media_url, status, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, conversation_id, sender_id, type, content, media_url, status, created_at",
		msg.ConversationId,
		msg.SenderId,
		msg.Type,
		msg.Content,
		msg.MediaUrl,
		msg.Status,
		msg.CreatedAt,
	)

	var m Message
	err := res.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&m.Type,
		&m.Content,
		&m.MediaUrl,
		&m.Status,
		&m.CreatedAt,
	)

	return m, err
}

func (db *PgMercatoRepository) GetMessages(conversationId, before, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, conversation_id, sender_id, type, content, media_url, status, created_at " +
		"FROM messages WHERE conversation_id = $1"
	args := []any{conversationId}

	if before > 0 {
		query += " AND id < $2"
		args = append(args, before)
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id,
			&m.ConversationId,
			&m.SenderId,
			&m.Type,
			&m.Content,
			&m.MediaUrl,
			&m.Status,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PgMercatoRepository) MarkMessagesRead(accountId, conversationId int) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET status = 'read' WHERE conversation_id = $1 AND sender_id != $2 AND status != 'read'",
		conversationId,
		accountId,
	)

	return err
}

func (db *PgMercatoRepository) CreateCall(params CreateCallParams) (Call, error) {
	res := db.conn.QueryRow(
		"INSERT INTO calls (external_id, caller_id, callee_id, type, status, started_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, external_id, caller_id, callee_id, type, status, started_at, ended_at",
		params.ExternalId,
		params.CallerId,
		params.CalleeId,
		params.Type,
		params.Status,
		time.Now().UTC(),
	)

	var c Call
	err := res.Scan(
		&c.Id,
		&c.ExternalId,
		&c.CallerId,
		&c.CalleeId,
		&c.Type,
		&c.Status,
		&c.StartedAt,
		&c.EndedAt,
	)

	return c, err
}

func (db *PgMercatoRepository) GetCallByExternalId(externalId string) (Call, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, caller_id, callee_id, type, status, started_at, ended_at FROM calls "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var c Call
	err := row.Scan(
		&c.Id,
		&c.ExternalId,
		&c.CallerId,
		&c.CalleeId,
		&c.Type,
		&c.Status,
		&c.StartedAt,
		&c.EndedAt,
	)

	return c, err
}

func (db *PgMercatoRepository) UpdateCallStatus(callId int, status string, endedAt sql.NullTime) error {
	_, err := db.conn.Exec(
		"UPDATE calls SET status = $2, ended_at = $3 WHERE id = $1",
		callId,
		status,
		endedAt,
	)

	return err
}

func (db *PgMercatoRepository) ListCalls(accountId int) ([]Call, error) {
	rows, err := db.conn.Query(
		"SELECT id, external_id, caller_id, callee_id, type, status, started_at, ended_at FROM calls "+
			"WHERE caller_id = $1 OR callee_id = $1 ORDER BY started_at DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(
			&c.Id,
			&c.ExternalId,
			&c.CallerId,
			&c.CalleeId,
			&c.Type,
			&c.Status,
			&c.StartedAt,
			&c.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		calls = append(calls, c)
	}

	return calls, rows.Err()
}

// GetContactIds returns the distinct ids of accounts sharing at least
// one conversation with accountId. Presence changes fan out to this
// set rather than to every connection.
func (db *PgMercatoRepository) GetContactIds(accountId int) ([]int, error) {
	rows, err := db.conn.Query(
		"SELECT DISTINCT cm2.account_id FROM conversation_members cm1 "+
			"JOIN conversation_members cm2 ON cm2.conversation_id = cm1.conversation_id "+
			"WHERE cm1.account_id = $1 AND cm2.account_id != $1",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contactIds []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		contactIds = append(contactIds, id)
	}

	return contactIds, rows.Err()
}
