package main

import (
	"context"
	"time"

	"github.com/sindef/redis-sentinel/pkg/auth"
	"github.com/sindef/redis-sentinel/pkg/config"
	"github.com/sindef/redis-sentinel/pkg/monitor"
	"github.com/sindef/redis-sentinel/pkg/peer"
	"github.com/sindef/redis-sentinel/pkg/redis"
)

// dialer connects the monitor to Redis nodes and peer monitors.
type dialer struct {
	tls           bool
	tlsSkipVerify bool
	timeout       time.Duration
	authenticator *auth.Authenticator
}

func newDialer(cfg *config.Config, authenticator *auth.Authenticator) *dialer {
	return &dialer{
		tls:           cfg.RedisTLS,
		tlsSkipVerify: cfg.RedisTLSSkipVerify,
		timeout:       cfg.CommandTimeout,
		authenticator: authenticator,
	}
}

func (d *dialer) DialNode(ctx context.Context, addr string, opts monitor.NodeOptions) (monitor.NodeClient, error) {
	client, err := redis.NewClient(ctx, redis.Options{
		Addr:          addr,
		Username:      opts.Username,
		Password:      opts.Password,
		ClientName:    opts.ClientName,
		TLS:           d.tls,
		TLSSkipVerify: d.tlsSkipVerify,
		DialTimeout:   d.timeout,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *dialer) DialPeer(ctx context.Context, addr string) (monitor.PeerClient, error) {
	return peer.NewClient(addr, d.authenticator, d.timeout), nil
}
