package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lib/pq"
)

const (
	roomColumns = "r.id, r.external_id, r.title, r.creator, r.direct, r.created_at, " +
		"COALESCE((SELECT array_agg(p.username ORDER BY p.username) FROM room_participants p WHERE p.room_id = r.id), '{}')"
	messageColumns = "id, room_id, sender, body, attachment_path, attachment_name, created_at"
	pushColumns    = "id, owner, endpoint, p256dh, auth, created_at, updated_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (Room, error) {
	var (
		room         Room
		participants []string
	)

	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Title,
		&room.Creator,
		&room.Direct,
		&room.CreatedAt,
		pq.Array(&participants),
	)
	room.Participants = participants

	return room, err
}

func scanMessage(row scanner) (Message, error) {
	var (
		msg            Message
		attachmentPath sql.NullString
		attachmentName sql.NullString
	)

	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.Sender,
		&msg.Body,
		&attachmentPath,
		&attachmentName,
		&msg.CreatedAt,
	)
	if err != nil {
		return msg, err
	}

	if attachmentPath.Valid {
		msg.Attachment = &Attachment{
			Path: attachmentPath.String,
			Name: attachmentName.String,
		}
	}

	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return messages, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	return values, rows.Err()
}

func (db *PgRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	room := Room{
		ExternalId: params.ExternalId,
		Title:      params.Title,
		Creator:    params.Creator,
		Direct:     params.Direct,
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"INSERT INTO rooms (external_id, title, creator, direct) "+
				"VALUES ($1, $2, $3, $4) RETURNING id, created_at",
			params.ExternalId,
			params.Title,
			params.Creator,
			params.Direct,
		)
		if err := row.Scan(&room.Id, &room.CreatedAt); err != nil {
			return fmt.Errorf("insert room: %w", err)
		}

		for _, user := range params.Participants {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO room_participants (room_id, username) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				room.Id,
				user,
			); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return Room{}, err
	}

	room.Participants = slices.Clone(params.Participants)
	slices.Sort(room.Participants)
	room.Participants = slices.Compact(room.Participants)

	return room, nil
}

// DeleteRoom removes the room. Memberships, messages and read marks go
// with it through foreign key cascades in the same statement.
func (db *PgRepository) DeleteRoom(ctx context.Context, roomId int64) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", roomId)
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

func (db *PgRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.external_id = $1 LIMIT 1",
		externalId,
	)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}

	return room, err
}

func (db *PgRepository) ListRoomsForUser(ctx context.Context, user string) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r "+
			"JOIN room_participants rp ON rp.room_id = r.id "+
			"WHERE rp.username = $1 ORDER BY r.created_at DESC, r.id DESC",
		user,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgRepository) AddParticipant(ctx context.Context, roomId int64, user string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO room_participants (room_id, username) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		roomId,
		user,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}

	return err
}

func (db *PgRepository) ListParticipants(ctx context.Context, roomId int64) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT username FROM room_participants WHERE room_id = $1 ORDER BY username",
		roomId,
	)
	if err != nil {
		return nil, err
	}

	return scanStrings(rows)
}

// CreateMessage stores the message together with the sender's own read
// mark so a sender never counts their own message as unread.
func (db *PgRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	msg := Message{
		RoomId:     params.RoomId,
		Sender:     params.Sender,
		Body:       params.Body,
		Attachment: params.Attachment,
	}

	var attachmentPath, attachmentName sql.NullString
	if params.Attachment != nil {
		attachmentPath = sql.NullString{String: params.Attachment.Path, Valid: true}
		attachmentName = sql.NullString{String: params.Attachment.Name, Valid: true}
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"INSERT INTO messages (room_id, sender, body, attachment_path, attachment_name) "+
				"VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at",
			params.RoomId,
			params.Sender,
			params.Body,
			attachmentPath,
			attachmentName,
		)
		if err := row.Scan(&msg.Id, &msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO read_marks (message_id, reader) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			msg.Id,
			params.Sender,
		); err != nil {
			return fmt.Errorf("insert sender read mark: %w", err)
		}

		return nil
	})
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

// GetMessages returns the newest window of messages matching query in
// ascending id order.
func (db *PgRepository) GetMessages(ctx context.Context, roomId int64, query MessageQuery) (MessagePage, error) {
	limit := clampLimit(query.Limit)
	offset := max(query.Offset, 0)

	var page MessagePage
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE room_id = $1 AND ($2::bigint = 0 OR id < $2)",
		roomId,
		query.BeforeId,
	).Scan(&page.Total); err != nil {
		return MessagePage{}, fmt.Errorf("count messages: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE room_id = $1 AND ($2::bigint = 0 OR id < $2) "+
			"ORDER BY id DESC LIMIT $3 OFFSET $4",
		roomId,
		query.BeforeId,
		limit,
		offset,
	)
	if err != nil {
		return MessagePage{}, err
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return MessagePage{}, err
	}

	slices.Reverse(messages)
	page.Messages = messages
	page.HasMore = offset+len(messages) < page.Total

	return page, nil
}

// GetMessageContext returns up to radius messages on each side of
// messageId, including the message itself, in ascending id order.
func (db *PgRepository) GetMessageContext(ctx context.Context, roomId, messageId int64, radius int) ([]Message, error) {
	if radius <= 0 || radius > maxContextRadius {
		radius = maxContextRadius
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT * FROM ("+
			"(SELECT "+messageColumns+" FROM messages WHERE room_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3) "+
			"UNION ALL "+
			"(SELECT "+messageColumns+" FROM messages WHERE room_id = $1 AND id >= $2 ORDER BY id ASC LIMIT $3 + 1)"+
			") ctx ORDER BY id ASC",
		roomId,
		messageId,
		radius,
	)
	if err != nil {
		return nil, err
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if !slices.ContainsFunc(messages, func(m Message) bool { return m.Id == messageId }) {
		return nil, ErrNotFound
	}

	return messages, nil
}

// SearchMessages is a case-insensitive substring scan over message bodies,
// optionally limited to a single UTC day.
func (db *PgRepository) SearchMessages(ctx context.Context, roomId int64, params SearchParams) ([]Message, error) {
	var (
		sb   strings.Builder
		args = []any{roomId}
	)

	sb.WriteString("SELECT " + messageColumns + " FROM messages WHERE room_id = $1")

	if q := strings.TrimSpace(params.Query); q != "" {
		args = append(args, strings.ToLower(q))
		fmt.Fprintf(&sb, " AND strpos(lower(body), $%d) > 0", len(args))
	}

	if params.Date != "" {
		args = append(args, params.Date)
		fmt.Fprintf(&sb, " AND (created_at AT TIME ZONE 'UTC')::date = $%d::date", len(args))
	}

	args = append(args, maxSearchResults)
	fmt.Fprintf(&sb, " ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := db.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

func (db *PgRepository) GetMessageDates(ctx context.Context, roomId int64) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT DISTINCT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day "+
			"FROM messages WHERE room_id = $1 ORDER BY day",
		roomId,
	)
	if err != nil {
		return nil, err
	}

	return scanStrings(rows)
}

// CreateReadMark records that reader has seen messageId in the room.
// Marking the same message twice is not an error. A message that does not
// exist in the room is ErrNotFound and nothing is written.
func (db *PgRepository) CreateReadMark(ctx context.Context, roomId, messageId int64, reader string) error {
	var found bool
	err := db.conn.QueryRowContext(ctx,
		"WITH target AS (SELECT id FROM messages WHERE id = $1 AND room_id = $2), "+
			"ins AS (INSERT INTO read_marks (message_id, reader) SELECT id, $3 FROM target ON CONFLICT DO NOTHING) "+
			"SELECT EXISTS (SELECT 1 FROM target)",
		messageId,
		roomId,
		reader,
	).Scan(&found)
	if err != nil {
		return err
	}

	if !found {
		return ErrNotFound
	}

	return nil
}

// MarkRoomRead marks every message in the room not sent by reader as read
// in a single statement and returns the number of new marks.
func (db *PgRepository) MarkRoomRead(ctx context.Context, roomId int64, reader string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO read_marks (message_id, reader) "+
			"SELECT m.id, $2 FROM messages m "+
			"WHERE m.room_id = $1 AND m.sender <> $2 "+
			"AND NOT EXISTS (SELECT 1 FROM read_marks rm WHERE rm.message_id = m.id AND rm.reader = $2) "+
			"ON CONFLICT DO NOTHING",
		roomId,
		reader,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (db *PgRepository) GetReadBy(ctx context.Context, messageId int64) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT reader FROM read_marks WHERE message_id = $1 ORDER BY read_at, reader",
		messageId,
	)
	if err != nil {
		return nil, err
	}

	return scanStrings(rows)
}

// CountUnread counts messages in the user's rooms, sent by someone else,
// that the user has no read mark for.
func (db *PgRepository) CountUnread(ctx context.Context, user string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages m "+
			"JOIN room_participants rp ON rp.room_id = m.room_id AND rp.username = $1 "+
			"WHERE m.sender <> $1 "+
			"AND NOT EXISTS (SELECT 1 FROM read_marks rm WHERE rm.message_id = m.id AND rm.reader = $1)",
		user,
	).Scan(&count)

	return count, err
}

// UpsertPushSubscription stores a subscription keyed by endpoint. An
// existing endpoint is re-owned and its keys replaced.
func (db *PgRepository) UpsertPushSubscription(ctx context.Context, params UpsertPushSubscriptionParams) (PushSubscription, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO push_subscriptions (owner, endpoint, p256dh, auth) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (endpoint) DO UPDATE SET owner = EXCLUDED.owner, p256dh = EXCLUDED.p256dh, "+
			"auth = EXCLUDED.auth, updated_at = now() "+
			"RETURNING "+pushColumns,
		params.Owner,
		params.Endpoint,
		params.P256dh,
		params.Auth,
	)

	var sub PushSubscription
	err := row.Scan(
		&sub.Id,
		&sub.Owner,
		&sub.Endpoint,
		&sub.P256dh,
		&sub.Auth,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	return sub, err
}

func (db *PgRepository) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE endpoint = $1", endpoint)
	return err
}

func (db *PgRepository) DeletePushSubscriptionById(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE id = $1", id)
	return err
}

func (db *PgRepository) ListPushSubscriptions(ctx context.Context, owner string) ([]PushSubscription, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+pushColumns+" FROM push_subscriptions WHERE owner = $1 ORDER BY id",
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(
			&sub.Id,
			&sub.Owner,
			&sub.Endpoint,
			&sub.P256dh,
			&sub.Auth,
			&sub.CreatedAt,
			&sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}
