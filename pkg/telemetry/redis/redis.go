// Package redis publishes updater progress and outcome to a Redis instance,
// the same hash-plus-pubsub pattern the rest of the scooter stack uses to
// expose subsystem state.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis keys and fields the updater publishes to.
const (
	KeyFirmwareUpdate = "firmware-update"

	FieldState       = "state"
	FieldImage       = "image"
	FieldChunk       = "chunk"
	FieldTotalChunks = "total-chunks"
	FieldError       = "error"
)

// State values published to FieldState over the lifetime of one update.
const (
	StateConnecting = "connecting"
	StateUploading  = "uploading"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

// Publisher writes updater progress to Redis. The zero value is not usable;
// construct with New.
type Publisher struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to addr and verifies reachability with a Ping.
func New(addr, password string, db int) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &Publisher{client: client, ctx: ctx}, nil
}

// State writes and publishes a state transition for the named image.
func (p *Publisher) State(state, image string) error {
	pipe := p.client.Pipeline()
	pipe.HSet(p.ctx, KeyFirmwareUpdate, FieldState, state)
	pipe.HSet(p.ctx, KeyFirmwareUpdate, FieldImage, image)
	pipe.Publish(p.ctx, KeyFirmwareUpdate, fmt.Sprintf("%s:%s", FieldState, state))
	_, err := pipe.Exec(p.ctx)
	return err
}

// Progress writes and publishes the current chunk count out of total.
func (p *Publisher) Progress(chunk, total int) error {
	pipe := p.client.Pipeline()
	pipe.HSet(p.ctx, KeyFirmwareUpdate, FieldChunk, chunk)
	pipe.HSet(p.ctx, KeyFirmwareUpdate, FieldTotalChunks, total)
	pipe.Publish(p.ctx, KeyFirmwareUpdate, fmt.Sprintf("%s:%s", FieldChunk, strconv.Itoa(chunk)))
	_, err := pipe.Exec(p.ctx)
	return err
}

// Failed records a terminal error and publishes the failed state.
func (p *Publisher) Failed(err error) error {
	pipe := p.client.Pipeline()
	pipe.HSet(p.ctx, KeyFirmwareUpdate, FieldState, StateFailed)
	pipe.HSet(p.ctx, KeyFirmwareUpdate, FieldError, err.Error())
	pipe.Publish(p.ctx, KeyFirmwareUpdate, fmt.Sprintf("%s:%s", FieldState, StateFailed))
	_, pipeErr := pipe.Exec(p.ctx)
	return pipeErr
}

// Close releases the underlying client connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
