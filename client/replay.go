// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/absmach/tether/message"
	"github.com/absmach/tether/storage"
	"github.com/absmach/tether/transport"
)

// ReplayOffline sends the rows of the offline store that are active when it
// starts, oldest first, one page per batch. Rows that can no longer be
// decoded are deleted. A failed batch stops the replay and leaves its rows
// in place. It returns the number of messages delivered.
func (c *Client) ReplayOffline(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, ErrNoStore
	}

	c.replayMu.Lock()
	defer c.replayMu.Unlock()

	total, err := c.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count offline messages: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	c.logger.Info("replaying offline messages", slog.Int("count", total))

	processed, replayed := 0, 0
	for processed < total {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return replayed, err
			}
		}

		limit := min(c.opts.ReplayPageSize, total-processed)
		rows, err := c.store.ListActive(ctx, limit)
		if err != nil {
			return replayed, fmt.Errorf("failed to list offline messages: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		msgs := make([]message.Message, 0, len(rows))
		ids := make([]string, 0, len(rows))
		var corrupt []string
		for _, row := range rows {
			msg, err := decodeRow(row)
			if err != nil {
				c.logger.Warn("dropping undecodable offline message",
					slog.String("id", row.ID),
					slog.String("error", err.Error()))
				corrupt = append(corrupt, row.ID)
				continue
			}
			msgs = append(msgs, msg)
			ids = append(ids, row.ID)
		}

		if len(corrupt) > 0 {
			if err := c.store.Delete(ctx, corrupt); err != nil {
				return replayed, fmt.Errorf("failed to delete corrupt messages: %w", err)
			}
			c.recorder.Dropped(ctx, len(corrupt), DropCorrupt)
			processed += len(corrupt)
		}
		if len(msgs) == 0 {
			continue
		}

		if err := c.sendReplay(ctx, msgs); err != nil {
			if transport.IsConnectivity(err) {
				c.setConnected(ctx, false)
			}
			return replayed, fmt.Errorf("replay batch failed: %w", err)
		}
		if err := c.store.Delete(ctx, ids); err != nil {
			return replayed, fmt.Errorf("failed to delete replayed messages: %w", err)
		}
		processed += len(ids)
		replayed += len(ids)
		c.recorder.Replayed(ctx, len(ids))
	}

	c.logger.Info("offline replay finished", slog.Int("replayed", replayed))
	return replayed, nil
}

func (c *Client) sendReplay(ctx context.Context, msgs []message.Message) error {
	ctx, span := c.startSpan(ctx, "tether.replay", len(msgs))
	defer span.End()

	start := c.now()
	if err := c.transport.PublishBatch(ctx, msgs); err != nil {
		recordSpanError(span, err)
		return err
	}
	c.recorder.Sent(ctx, len(msgs))
	c.recorder.BatchSent(ctx, len(msgs), c.now().Sub(start))
	return nil
}

// decodeRow rebuilds a publish message from a stored row.
func decodeRow(row storage.StoredMessage) (message.Message, error) {
	var data message.Payload
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return message.Message{}, err
	}
	tags, err := row.DecodeTags()
	if err != nil {
		return message.Message{}, err
	}
	return message.Make(data, message.TypePublish, message.WithTags(tags...))
}
