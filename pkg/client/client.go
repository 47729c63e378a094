// Package client is the LoopCache client library (spec section 4.5): it
// holds a cached ring, routes Get/Put/Delete to the key's owner, and
// recovers from NotOwner by adopting fresher config and retrying with a
// bounded count. On a connection failure it reports NodeDown to the master
// and fails the request without retrying.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/LoopLLC/LoopCache-sub001/internal/ring"
	"github.com/LoopLLC/LoopCache-sub001/internal/transport"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

// ErrMiss is returned by Get when the key is not present on its owner.
var ErrMiss = errors.New("client: key not found")

// ErrOutOfRoom is returned by Put when the owner cannot fit the entry even
// after evicting.
var ErrOutOfRoom = errors.New("client: owner out of room")

// MaxRetries bounds the NotOwner retry loop described in spec section 4.5:
// one immediate retry against the config embedded in the NotOwner reply,
// then up to MaxRetries-1 further retries against configs fetched fresh
// from the master, before the request surfaces an error.
const MaxRetries = 3

// Config parameterizes a Client.
type Config struct {
	MasterAddress string
}

// Client is safe for concurrent use: cachedConfig is an atomic.Value-backed
// snapshot (internal/ring.Config is itself immutable once published), and
// the connection pool is internally synchronized.
type Client struct {
	cfg    Config
	pool   *transport.Pool
	logger log.Logger

	cachedConfig atomic.Value // *ring.Config
}

func (c *Client) loadConfig() *ring.Config  { return c.cachedConfig.Load().(*ring.Config) }
func (c *Client) storeConfig(cfg *ring.Config) { c.cachedConfig.Store(cfg) }

// New constructs a Client and performs an initial GetConfig against the
// master so the first request does not pay a cold-cache round trip.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		pool:   transport.NewPool(),
		logger: logger,
	}
	fresh, err := transport.FetchConfig(ctx, c.pool, cfg.MasterAddress)
	if err != nil {
		return nil, fmt.Errorf("client: initial config fetch: %w", err)
	}
	c.storeConfig(fresh)
	return c, nil
}

// Get fetches key's value. Returns ErrMiss on a cache miss.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	payload := wire.NewEncoder().String(key).Payload()
	respType, respPayload, err := c.routed(ctx, "get", key, wire.TypeGetObject, payload)
	if err != nil {
		return nil, err
	}
	switch respType {
	case wire.TypeObjectValue:
		d := wire.NewDecoder(respPayload)
		value, err := d.Bytes()
		if err != nil {
			return nil, fmt.Errorf("client: decode ObjectValue: %w", err)
		}
		return value, nil
	case wire.TypeMiss:
		return nil, ErrMiss
	default:
		return nil, fmt.Errorf("client: unexpected response %s to Get", respType)
	}
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	payload := wire.NewEncoder().String(key).Bytes(value).Uint8(0).Payload()
	respType, _, err := c.routed(ctx, "put", key, wire.TypePutObject, payload)
	if err != nil {
		return err
	}
	switch respType {
	case wire.TypeOk:
		return nil
	case wire.TypeOutOfRoom:
		return ErrOutOfRoom
	default:
		return fmt.Errorf("client: unexpected response %s to Put", respType)
	}
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	payload := wire.NewEncoder().String(key).Payload()
	respType, _, err := c.routed(ctx, "delete", key, wire.TypeDeleteObject, payload)
	if err != nil {
		return err
	}
	if respType != wire.TypeOk {
		return fmt.Errorf("client: unexpected response %s to Delete", respType)
	}
	return nil
}

// Close releases pooled connections.
func (c *Client) Close() { c.pool.CloseAll() }

// routed resolves key's owner from the cached ring, issues reqType/payload
// against it, and handles NotOwner/connection-failure recovery (spec
// section 4.5). On connection failure it reports NodeDown to the master,
// advisory only, and does not attempt transparent failover.
func (c *Client) routed(ctx context.Context, op, key string, reqType wire.MessageType, payload []byte) (wire.MessageType, []byte, error) {
	cfg := c.loadConfig()
	sawNotOwner := false

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		owner, ok := cfg.Owner(key)
		if !ok {
			refreshed, err := c.refetchConfig(ctx)
			if err != nil {
				return 0, nil, fmt.Errorf("client: no owner for key and config refresh failed: %w", err)
			}
			cfg = refreshed
			continue
		}

		addr := owner.Identity()
		conn, err := c.pool.Get(addr, transport.DefaultTimeout)
		if err != nil {
			c.reportNodeDown(ctx, owner)
			return 0, nil, fmt.Errorf("client: dial %s for %s %q: %w", addr, op, key, err)
		}

		respType, respPayload, err := transport.Call(conn, transport.DefaultTimeout, reqType, payload)
		if err != nil {
			c.pool.Discard(addr, conn)
			c.reportNodeDown(ctx, owner)
			return 0, nil, fmt.Errorf("client: %s %q against %s: %w", op, key, addr, err)
		}
		c.pool.Put(addr, conn)

		if respType != wire.TypeNotOwner {
			// Only advance the shared cache if cfg is actually newer than
			// whatever a concurrent call may have already stored, the same
			// strictly-greater check node.ApplyConfig applies, so a slow
			// goroutine can never regress the cached ring version.
			if cfg.Version > c.loadConfig().Version {
				c.storeConfig(cfg)
			}
			return respType, respPayload, nil
		}

		// NotOwner: adopt the embedded config and retry once immediately;
		// on a second NotOwner in a row, go fetch fresh from the master
		// instead of trusting another embedded copy, since the embedded
		// one may itself already be stale by the time it arrives.
		embedded, decodeErr := wire.DecodeConfig(respPayload)
		if !sawNotOwner && decodeErr == nil && embedded.Version > cfg.Version {
			cfg = embedded
		} else {
			refreshed, err := c.refetchConfig(ctx)
			if err != nil {
				return 0, nil, fmt.Errorf("client: NotOwner and config refresh failed: %w", err)
			}
			cfg = refreshed
		}
		sawNotOwner = true
		level.Debug(c.logger).Log("msg", "retrying after NotOwner", "op", op, "key", key, "attempt", attempt)
	}

	return 0, nil, fmt.Errorf("client: %s %q exceeded %d retries against a moving ring", op, key, MaxRetries)
}

func (c *Client) refetchConfig(ctx context.Context) (*ring.Config, error) {
	cfg, err := transport.FetchConfig(ctx, c.pool, c.cfg.MasterAddress)
	if err != nil {
		return nil, err
	}
	c.storeConfig(cfg)
	return cfg, nil
}

func (c *Client) reportNodeDown(ctx context.Context, owner ring.NodeDescriptor) {
	conn, err := c.pool.Get(c.cfg.MasterAddress, transport.DefaultTimeout)
	if err != nil {
		return
	}
	payload := wire.NewEncoder().String(owner.Host).Uint32(owner.Port).Payload()
	_, _, err = transport.Call(conn, transport.DefaultTimeout, wire.TypeNodeDown, payload)
	if err != nil {
		c.pool.Discard(c.cfg.MasterAddress, conn)
		return
	}
	c.pool.Put(c.cfg.MasterAddress, conn)
}
