/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

// Enqueue inserts a message. Messages with a caller-provided id are
// deduplicated against in-flight entries via ON CONFLICT, which lets
// promotion use deterministic ids without double-delivering.
func (q queries) Enqueue(ctx context.Context, msg *v1.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	var enqueuedAt *time.Time
	if !msg.EnqueuedAt.IsZero() {
		enqueuedAt = lo.ToPtr(msg.EnqueuedAt.UTC())
	}
	_, err := q.q.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, kind, reservation_id, disk_id, payload, enqueued_at, visible_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, now()), COALESCE($6::timestamptz, now()))
		ON CONFLICT (id) DO NOTHING`, q.queue),
		msg.ID, string(msg.Kind), msg.ReservationID, msg.DiskID, []byte(msg.Payload), enqueuedAt)
	if err != nil {
		return fmt.Errorf("enqueuing %s message, %w", msg.Kind, err)
	}
	return nil
}

// Dequeue long-polls up to wait for at most batch messages. Claimed messages
// become invisible for the visibility duration and count one more delivery.
func (c *Client) Dequeue(ctx context.Context, batch int, visibility, wait time.Duration) ([]*v1.Message, error) {
	deadline := c.clk.Now().Add(wait)
	for {
		msgs, err := c.dequeueOnce(ctx, batch, visibility)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || !c.clk.Now().Before(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clk.After(dequeuePollInterval):
		}
	}
}

func (c *Client) dequeueOnce(ctx context.Context, batch int, visibility time.Duration) ([]*v1.Message, error) {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
		UPDATE %[1]s SET visible_at = now() + make_interval(secs => $1), delivery_count = delivery_count + 1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE visible_at <= now()
			ORDER BY enqueued_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, reservation_id, disk_id, payload, enqueued_at, delivery_count`, c.queue),
		visibility.Seconds(), batch)
	if err != nil {
		return nil, fmt.Errorf("dequeuing messages, %w", err)
	}
	defer rows.Close()
	var msgs []*v1.Message
	for rows.Next() {
		msg := &v1.Message{}
		var payload []byte
		if err := rows.Scan(&msg.ID, &msg.Kind, &msg.ReservationID, &msg.DiskID, &payload, &msg.EnqueuedAt, &msg.DeliveryCount); err != nil {
			return nil, fmt.Errorf("scanning message, %w", err)
		}
		msg.Payload = payload
		msg.EnqueuedAt = msg.EnqueuedAt.UTC()
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages, %w", err)
	}
	// The UPDATE returns rows in arbitrary order; callers expect oldest first.
	slices.SortFunc(msgs, func(a, b *v1.Message) int { return a.EnqueuedAt.Compare(b.EnqueuedAt) })
	return msgs, nil
}

// Ack deletes a delivered message. Acking an already-deleted message is a
// no-op.
func (c *Client) Ack(ctx context.Context, msgID string) error {
	if _, err := c.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, c.queue), msgID); err != nil {
		return fmt.Errorf("acking message %s, %w", msgID, err)
	}
	return nil
}

// Nack makes a delivered message visible again after delay, immediately when
// delay is zero.
func (c *Client) Nack(ctx context.Context, msgID string, delay time.Duration) error {
	if _, err := c.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET visible_at = now() + make_interval(secs => $2) WHERE id = $1`, c.queue), msgID, delay.Seconds()); err != nil {
		return fmt.Errorf("nacking message %s, %w", msgID, err)
	}
	return nil
}

// QueueDepth counts currently visible messages.
func (c *Client) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	if err := c.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE visible_at <= now()`, c.queue)).Scan(&depth); err != nil {
		return 0, fmt.Errorf("counting queue depth, %w", err)
	}
	return depth, nil
}
