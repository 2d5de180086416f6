package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"
)

// Client wraps one go-redis connection to a monitored node.
type Client struct {
	client *redis.Client
	addr   string
}

// Options configures a node connection.
type Options struct {
	Addr          string
	Username      string
	Password      string
	ClientName    string
	TLS           bool
	TLSSkipVerify bool
	DialTimeout   time.Duration
}

// Info is the subset of INFO output the monitor acts on.
type Info struct {
	RunID string
	Role  string // "master" or "slave"

	// Replica side
	MasterHost          string
	MasterPort          int
	MasterLinkStatus    string // "up" or "down"
	MasterLinkDownSince time.Duration
	SlavePriority       int
	SlaveReplOffset     int64
	ReplicaAnnounced    bool

	// Primary side
	ConnectedSlaves int
	Slaves          []SlaveAddr
}

// SlaveAddr is a replica listed by a primary.
type SlaveAddr struct {
	IP   string
	Port int
}

// NewClient dials addr, names the connection and checks it answers.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	ro := &redis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          0,
		PoolSize:    1,
		MaxRetries:  -1,
		DialTimeout: opts.DialTimeout,
	}

	if opts.TLS {
		ro.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.TLSSkipVerify, // #nosec G402 - user controlled
		}
	}

	if opts.ClientName != "" {
		name := opts.ClientName
		ro.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
			// Older servers without CLIENT SETNAME are still usable.
			if err := cn.ClientSetName(ctx, name).Err(); err != nil && !IsReplyError(err) {
				return err
			}
			return nil
		}
	}

	client := redis.NewClient(ro)

	if err := client.Ping(ctx).Err(); err != nil && !isAliveError(err) {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	klog.V(2).InfoS("Connected to Redis", "addr", opts.Addr, "name", opts.ClientName, "tls", opts.TLS)

	return &Client{
		client: client,
		addr:   opts.Addr,
	}, nil
}

// Ping sends PING. replied reports whether any reply arrived at all, err is
// nil when the reply proves the node alive (PONG, LOADING, MASTERDOWN).
func (c *Client) Ping(ctx context.Context) (bool, error) {
	err := c.client.Ping(ctx).Err()
	if err == nil || isAliveError(err) {
		return true, nil
	}
	if IsReplyError(err) {
		return true, err
	}
	return false, err
}

// Info retrieves and parses the full INFO output.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	info, err := c.client.Info(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get info: %w", err)
	}

	return parseInfo(info)
}

// Publish sends msg on channel.
func (c *Client) Publish(ctx context.Context, channel, msg string) error {
	if err := c.client.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// ReplicaOf points the node at host:port, or promotes it when host is empty.
// The change is sent in a transaction together with CONFIG REWRITE and a
// kill of client connections, so clients reconnect to the right role.
func (c *Client) ReplicaOf(ctx context.Context, host string, port int) error {
	args := []interface{}{"REPLICAOF", "NO", "ONE"}
	if host != "" {
		args = []interface{}{"REPLICAOF", host, strconv.Itoa(port)}
	}

	klog.InfoS("Sending REPLICAOF", "addr", c.addr, "args", args[1:])

	var rep *redis.Cmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rep = pipe.Do(ctx, args...)
		pipe.ConfigRewrite(ctx)
		pipe.Do(ctx, "CLIENT", "KILL", "TYPE", "normal")
		pipe.Do(ctx, "CLIENT", "KILL", "TYPE", "pubsub")
		return nil
	})

	// Only the REPLICAOF reply matters; CONFIG REWRITE fails on nodes
	// started without a config file.
	if rep != nil && rep.Err() != nil {
		return fmt.Errorf("failed to set replicaof: %w", rep.Err())
	}
	if err != nil && !IsReplyError(err) {
		return fmt.Errorf("failed to set replicaof: %w", err)
	}
	return nil
}

// Subscribe subscribes to channel and calls handler for every payload from
// a separate goroutine. Closing the returned value ends the subscription.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(string)) (io.Closer, error) {
	ps := c.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	return ps, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// IsReplyError reports whether err is an error reply from the server, as
// opposed to a network or protocol failure.
func IsReplyError(err error) bool {
	var re redis.Error
	return errors.As(err, &re) && err != redis.Nil
}

// isAliveError reports replies that still prove the process is running.
func isAliveError(err error) bool {
	if !IsReplyError(err) {
		return false
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "MASTERDOWN")
}

// parseInfo parses the Redis INFO output
func parseInfo(info string) (*Info, error) {
	lines := strings.Split(info, "\n")
	result := &Info{
		SlavePriority:    100,
		ReplicaAnnounced: true,
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "run_id":
			if len(value) == 40 {
				result.RunID = value
			}
		case "role":
			result.Role = value
		case "master_host":
			result.MasterHost = value
		case "master_port":
			if port, err := strconv.Atoi(value); err == nil {
				result.MasterPort = port
			}
		case "connected_slaves":
			if count, err := strconv.Atoi(value); err == nil {
				result.ConnectedSlaves = count
			}
		case "master_link_status":
			result.MasterLinkStatus = value
		case "master_link_down_since_seconds":
			if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs >= 0 {
				result.MasterLinkDownSince = time.Duration(secs) * time.Second
			}
		case "slave_priority", "replica_priority":
			if prio, err := strconv.Atoi(value); err == nil {
				result.SlavePriority = prio
			}
		case "slave_repl_offset":
			if off, err := strconv.ParseInt(value, 10, 64); err == nil {
				result.SlaveReplOffset = off
			}
		case "replica_announced":
			result.ReplicaAnnounced = value != "0"
		default:
			if strings.HasPrefix(key, "slave") && isDigits(key[len("slave"):]) {
				if addr, ok := parseSlaveLine(value); ok {
					result.Slaves = append(result.Slaves, addr)
				}
			}
		}
	}

	if result.Role == "" {
		return nil, fmt.Errorf("could not parse role from info")
	}

	return result, nil
}

// parseSlaveLine accepts both "ip=1.2.3.4,port=6379,state=online,..." and
// the pre 2.8 "1.2.3.4,6379,online" form.
func parseSlaveLine(value string) (SlaveAddr, bool) {
	var addr SlaveAddr
	fields := strings.Split(value, ",")

	if !strings.Contains(value, "=") {
		if len(fields) < 2 {
			return addr, false
		}
		addr.IP = fields[0]
		addr.Port, _ = strconv.Atoi(fields[1])
	} else {
		for _, f := range fields {
			kv := strings.SplitN(f, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "ip":
				addr.IP = kv[1]
			case "port":
				addr.Port, _ = strconv.Atoi(kv[1])
			}
		}
	}

	if addr.IP == "" || addr.Port <= 0 {
		return addr, false
	}
	return addr, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
