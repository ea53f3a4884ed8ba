package config

import (
	"time"

	"github.com/go-redis/redis"
)

type RedisConfig struct {
	// Either a single address or a seed list of host:port addresses
	Addrs           []string `validate:"required"`
	DB              int      `validate:"gte=0,lte=16"`
	Password        string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	MaxConnAge      time.Duration
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
	MasterName      string
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           rc.Addrs,
		DB:              rc.DB,
		Password:        rc.Password,
		MaxRetries:      rc.MaxRetries,
		MinRetryBackoff: rc.MinRetryBackoff,
		MaxRetryBackoff: rc.MaxRetryBackoff,
		DialTimeout:     rc.DialTimeout,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		PoolSize:        rc.PoolSize,
		MinIdleConns:    rc.MinIdleConns,
		MaxConnAge:      rc.MaxConnAge,
		PoolTimeout:     rc.PoolTimeout,
		IdleTimeout:     rc.IdleTimeout,
		MasterName:      rc.MasterName,
	}
}

// AsNodeOptions returns one single-node option set per address. The quorum lock talks to every
// node independently, so it cannot use a universal (cluster or sentinel) client.
func (rc RedisConfig) AsNodeOptions() []*redis.Options {
	options := make([]*redis.Options, 0, len(rc.Addrs))
	for _, addr := range rc.Addrs {
		options = append(options, &redis.Options{
			Addr:         addr,
			DB:           rc.DB,
			Password:     rc.Password,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
			PoolSize:     rc.PoolSize,
			MinIdleConns: rc.MinIdleConns,
			MaxConnAge:   rc.MaxConnAge,
			PoolTimeout:  rc.PoolTimeout,
			IdleTimeout:  rc.IdleTimeout,
		})
	}
	return options
}
