package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeDelivered Outcome = "delivered"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

// Entry records one replicated event as sent or received by this node.
type Entry struct {
	ID        string         `json:"id"`
	Direction Direction      `json:"direction"`
	Outcome   Outcome        `json:"outcome"`
	Channel   string         `json:"channel,omitempty"`
	Member    string         `json:"member,omitempty"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name,omitempty"`
	Source    map[string]any `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type ListOptions struct {
	Kind      string
	Direction Direction
	Limit     int
	Order     string
}

// Journal stores entries in sqlite and fans them out to live subscribers.
type Journal struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	kinds map[string]struct{}
	ch    chan Entry
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, subs: map[string]*subscriber{}}
}

func (j *Journal) Record(ctx context.Context, entry Entry) (Entry, error) {
	if strings.TrimSpace(entry.Kind) == "" {
		return Entry{}, fmt.Errorf("kind is required")
	}
	if entry.Direction != DirectionOut && entry.Direction != DirectionIn {
		return Entry{}, fmt.Errorf("invalid direction %q", entry.Direction)
	}
	if entry.Outcome == "" {
		return Entry{}, fmt.Errorf("outcome is required")
	}

	entry.ID = ulid.Make().String()
	entry.CreatedAt = time.Now().UTC()
	sourceJSON, err := encodeJSON(entry.Source)
	if err != nil {
		return Entry{}, fmt.Errorf("encode source: %w", err)
	}
	dataJSON, err := encodeJSON(entry.Data)
	if err != nil {
		return Entry{}, fmt.Errorf("encode data: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO journal (id, direction, outcome, channel, member, kind, name, source, data, error, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.Direction), string(entry.Outcome), nullString(entry.Channel), nullString(entry.Member),
		entry.Kind, nullString(entry.Name), sourceJSON, dataJSON, nullString(entry.Error), nullString(entry.TraceID), entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("insert journal entry: %w", err)
	}

	j.broadcast(entry)
	return entry, nil
}

func (j *Journal) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	orderBy := "created_at DESC, id DESC"
	if strings.EqualFold(opts.Order, "fifo") {
		orderBy = "created_at ASC, id ASC"
	}

	where := []string{}
	args := []any{}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, opts.Kind)
	}
	if opts.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(opts.Direction))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	query := fmt.Sprintf(`SELECT id, direction, outcome, channel, member, kind, name, source, data, error, trace_id, created_at FROM journal %s ORDER BY %s LIMIT ?`, clause, orderBy)
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var direction, outcome, createdAtStr string
		var channel, member, name, source, data, errStr, traceID sql.NullString
		if err := rows.Scan(&e.ID, &direction, &outcome, &channel, &member, &e.Kind, &name, &source, &data, &errStr, &traceID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Direction = Direction(direction)
		e.Outcome = Outcome(outcome)
		e.Channel = channel.String
		e.Member = member.String
		e.Name = name.String
		e.Source = decodeJSONMap(source.String)
		e.Data = decodeJSONMap(data.String)
		e.Error = errStr.String
		e.TraceID = traceID.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// Subscribe streams new entries of the given kinds, or all entries when no
// kind is given, until ctx is done.
func (j *Journal) Subscribe(ctx context.Context, kinds []string) <-chan Entry {
	ch := make(chan Entry, 64)
	kindSet := map[string]struct{}{}
	for _, k := range kinds {
		if k == "" {
			continue
		}
		kindSet[k] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{kinds: kindSet, ch: ch}
	j.mu.Lock()
	j.subs[id] = sub
	j.mu.Unlock()

	go func() {
		<-ctx.Done()
		j.mu.Lock()
		delete(j.subs, id)
		j.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (j *Journal) SubscriberCount() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.subs)
}

func (j *Journal) broadcast(entry Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, sub := range j.subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[entry.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- entry:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func encodeJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
