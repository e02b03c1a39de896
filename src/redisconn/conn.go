// Package redisconn builds the go-redis client shared by the counter store,
// the job broker and the notification channel.
package redisconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPort = 6379

// ErrClusterDB is returned by Dial when a logical DB other than 0 is asked of
// a cluster, which only has DB 0.
var ErrClusterDB = errors.New("redis cluster only serves db 0")

type Opts struct {
	URL                  string
	Host                 string
	Port                 int
	DB                   int
	Username             string
	Password             string
	SSL                  bool
	SocketTimeout        *time.Duration
	SocketConnectTimeout *time.Duration
}

// AsUniversalOptions turns Opts into go-redis options for a single address.
// A URL wins over Host/Port and supplies its own DB and credentials.
func (o Opts) AsUniversalOptions() (*redis.UniversalOptions, error) {
	uo := &redis.UniversalOptions{
		DB:       o.DB,
		Username: o.Username,
		Password: o.Password,
	}

	switch {
	case o.URL != "":
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		uo.Addrs = []string{parsed.Addr}
		uo.DB = parsed.DB
		uo.Username = parsed.Username
		uo.Password = parsed.Password
		uo.TLSConfig = parsed.TLSConfig
	case o.Host != "":
		port := o.Port
		if port == 0 {
			port = defaultPort
		}
		uo.Addrs = []string{fmt.Sprintf("%s:%d", o.Host, port)}
	default:
		return nil, errors.New("redis connection requires host (or url)")
	}

	if o.SSL && uo.TLSConfig == nil {
		uo.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if o.SocketTimeout != nil {
		uo.ReadTimeout = *o.SocketTimeout
		uo.WriteTimeout = *o.SocketTimeout
	}
	if o.SocketConnectTimeout != nil {
		uo.DialTimeout = *o.SocketConnectTimeout
	}
	return uo, nil
}

// Dial connects to the address in opts, as a cluster client when the server
// is a cluster node and as a plain client otherwise.
func Dial(ctx context.Context, opts Opts) (redis.UniversalClient, error) {
	uo, err := opts.AsUniversalOptions()
	if err != nil {
		return nil, err
	}

	cluster, err := isCluster(ctx, uo)
	if err != nil {
		return nil, err
	}
	if cluster {
		if err := forCluster(uo); err != nil {
			return nil, err
		}
	}

	c := redis.NewUniversalClient(uo)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// forCluster switches uo to cluster mode.
func forCluster(uo *redis.UniversalOptions) error {
	if uo.DB != 0 {
		return fmt.Errorf("%w: db %d requested", ErrClusterDB, uo.DB)
	}
	uo.IsClusterMode = true
	return nil
}

// isCluster asks the node itself. A node that refuses CLUSTER for a reason
// other than cluster support being off is checked by touching a key and
// watching for a redirect.
func isCluster(ctx context.Context, uo *redis.UniversalOptions) (bool, error) {
	simple := uo.Simple()
	// SELECT fails on a cluster node, so look before choosing a DB.
	simple.DB = 0
	simple.MaxRetries = -1
	c := redis.NewClient(simple)
	defer c.Close()

	err := c.ClusterInfo(ctx).Err()
	if err == nil {
		return true, nil
	}
	if isClusterDisabled(err) {
		return false, nil
	}
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false, err
	}

	err = c.Exists(ctx, "reserveq:cluster-check").Err()
	switch {
	case err == nil:
		return false, nil
	case isClusterRedirect(err):
		return true, nil
	default:
		return false, err
	}
}

func isClusterDisabled(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cluster support disabled") ||
		strings.Contains(msg, "cluster mode is not enabled") ||
		(strings.Contains(msg, "unknown command") && strings.Contains(msg, "cluster"))
}

// isClusterRedirect matches the replies only a cluster node sends: MOVED and
// ASK redirects and CLUSTERDOWN. They are matched as the reply's leading
// word, never as a substring of other error text.
func isClusterRedirect(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range []string{"MOVED ", "ASK ", "CLUSTERDOWN "} {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}
