package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sntacc.org/internal/audit"
)

func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	changes, err := marshalJSONB(e.Changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}
	extra, err := marshalJSONB(e.Extra)
	if err != nil {
		return fmt.Errorf("encode extra: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, request_id, actor_id, actor_name, action, entity_type, entity_id,
			description, changes, ip_address, user_agent, extra)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.Timestamp, nullIfEmpty(e.RequestID), nullIfEmpty(e.ActorID), nullIfEmpty(e.ActorName), string(e.Action),
		nullIfEmpty(e.EntityType), nullIfEmpty(e.EntityID), nullIfEmpty(e.Description), changes,
		nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent), extra)
	return err
}

func marshalJSONB(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	f = f.Normalize()
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.EntityType != "" {
		add("entity_type ilike $%d", "%"+f.EntityType+"%")
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}
	query := `select id, occurred_at, request_id, actor_id, actor_name, action, entity_type, entity_id,
		description, changes, ip_address, user_agent, extra from audit_log`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" order by occurred_at desc, id desc limit $%d offset $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.Entry{}
	for rows.Next() {
		var (
			e                                                   audit.Entry
			requestID, actorID, actorName, entityType, entityID sql.NullString
			description, ip, userAgent                          sql.NullString
			action                                              string
			changes, extra                                      []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &requestID, &actorID, &actorName, &action, &entityType, &entityID,
			&description, &changes, &ip, &userAgent, &extra); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		e.RequestID = requestID.String
		e.ActorID = actorID.String
		e.ActorName = actorName.String
		e.Action = audit.Action(action)
		e.EntityType = entityType.String
		e.EntityID = entityID.String
		e.Description = description.String
		e.IP = ip.String
		e.UserAgent = userAgent.String
		if e.Changes, err = unmarshalJSONB(changes); err != nil {
			return nil, fmt.Errorf("decode changes of %s: %w", e.ID, err)
		}
		if e.Extra, err = unmarshalJSONB(extra); err != nil {
			return nil, fmt.Errorf("decode extra of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func unmarshalJSONB(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

const topActorsLimit = 10

func (s *Store) Stats(ctx context.Context, now time.Time) (audit.Stats, error) {
	if s.db == nil {
		return audit.Stats{}, errNoDB
	}
	st := audit.Stats{ByAction: map[audit.Action]int{}, TopActors: []audit.ActorCount{}}
	err := s.db.QueryRowContext(ctx, `
		select count(*), count(*) filter (where occurred_at >= $1) from audit_log
	`, now.Add(-24*time.Hour)).Scan(&st.Total, &st.Last24h)
	if err != nil {
		return audit.Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `select action, count(*) from audit_log group by action`)
	if err != nil {
		return audit.Stats{}, err
	}
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			rows.Close()
			return audit.Stats{}, err
		}
		st.ByAction[audit.Action(action)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return audit.Stats{}, err
	}

	rows, err = s.db.QueryContext(ctx, `
		select actor_id, coalesce(max(actor_name), ''), count(*) as n
		from audit_log
		where actor_id is not null
		group by actor_id
		order by n desc, actor_id
		limit $1
	`, topActorsLimit)
	if err != nil {
		return audit.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var ac audit.ActorCount
		if err := rows.Scan(&ac.ActorID, &ac.ActorName, &ac.Count); err != nil {
			return audit.Stats{}, err
		}
		st.TopActors = append(st.TopActors, ac)
	}
	return st, rows.Err()
}
