package gateway

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sorted_set_members (
	set_key TEXT    NOT NULL,
	member  BIGINT  NOT NULL,
	score   INTEGER NOT NULL,
	PRIMARY KEY (set_key, member)
)`

// Postgres keeps the grid in a table keyed by (set, index) and uses
// LISTEN/NOTIFY as the change bus.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Gateway = (*Postgres)(nil)

// NewPostgres connects to databaseURL and creates the grid table if needed.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool failed")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create grid table failed")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) RangeWithScores(ctx context.Context, key string, start, end uint32) ([]Member, error) {
	if start > end {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT member, score FROM sorted_set_members
		 WHERE set_key = $1 AND member BETWEEN $2 AND $3
		 ORDER BY member`,
		key, int64(start), int64(end))
	if err != nil {
		return nil, unavailable("range", err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Member, error) {
		var (
			index int64
			score int32
		)
		if err := row.Scan(&index, &score); err != nil {
			return Member{}, err
		}
		return Member{Index: uint32(index), Score: int(score)}, nil
	})
	if err != nil {
		return nil, unavailable("range", err)
	}
	return members, nil
}

func (p *Postgres) SetScore(ctx context.Context, key string, index uint32, score int) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sorted_set_members (set_key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (set_key, member) DO UPDATE SET score = EXCLUDED.score`,
		key, int64(index), int32(score))
	return unavailable("set score", err)
}

func (p *Postgres) Publish(ctx context.Context, topic, payload string) error {
	_, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, topic, payload)
	return unavailable("publish", err)
}

// Subscribe holds one pooled connection in LISTEN mode until Close.
func (p *Postgres) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("subscribe", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		conn.Release()
		return nil, unavailable("subscribe", err)
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &postgresSubscription{
		conn:   conn,
		out:    make(chan string),
		cancel: cancel,
	}
	go sub.listen(listenCtx)
	return sub, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type postgresSubscription struct {
	conn   *pgxpool.Conn
	out    chan string
	cancel context.CancelFunc
	once   sync.Once
}

func (s *postgresSubscription) listen(ctx context.Context) {
	defer close(s.out)
	defer s.conn.Release()
	for {
		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return
		}
		select {
		case s.out <- n.Payload:
		case <-ctx.Done():
			return
		}
	}
}

func (s *postgresSubscription) Messages() <-chan string {
	return s.out
}

func (s *postgresSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}
