package mds

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Locator resolves object keys to an ordered list of hosts, first preferred.
// A key absent from the returned map is unlocatable.
type Locator interface {
	Locate(ctx context.Context, keys []string) (map[string][]string, error)
}

// S3Locator implements Locator against a fleet of S3-compatible storage
// nodes, one client per configured host, treating a successful HeadObject
// as proof that the host holds the key. Hosts are probed in parallel with a
// bounded worker pool, the same fan-out shape used to head many objects at
// once against a single endpoint.
type S3Locator struct {
	bucket   string
	hosts    []string
	clients  map[string]*s3.Client
	parallel int
}

// NewS3Locator builds per-host S3 clients pointed at each host's endpoint.
// hosts are given in preference order; Locate preserves that order in its
// result.
func NewS3Locator(ctx context.Context, bucket string, hosts []string, pathStyle bool, parallel int) (*S3Locator, error) {
	if parallel <= 0 {
		parallel = 8
	}
	clients := make(map[string]*s3.Client, len(hosts))
	for _, host := range hosts {
		client, err := newHostClient(ctx, host, pathStyle)
		if err != nil {
			return nil, fmt.Errorf("build client for host %s: %w", host, err)
		}
		clients[host] = client
	}
	return &S3Locator{bucket: bucket, hosts: hosts, clients: clients, parallel: parallel}, nil
}

func newHostClient(ctx context.Context, host string, pathStyle bool) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		o.BaseEndpoint = aws.String(host)
	}), nil
}

type probe struct {
	key  string
	host string
}

// Locate fans out a HeadObject per (key, host) pair across a bounded worker
// pool and groups the hosts that answered, preserving host preference order.
func (l *S3Locator) Locate(ctx context.Context, keys []string) (map[string][]string, error) {
	if len(keys) == 0 {
		return map[string][]string{}, nil
	}

	work := make(chan probe)
	type hit struct {
		key, host string
	}
	hits := make(chan hit, len(keys)*len(l.hosts))

	var wg sync.WaitGroup
	for i := 0; i < l.parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				client := l.clients[p.host]
				_, err := client.HeadObject(ctx, &s3.HeadObjectInput{
					Bucket: aws.String(l.bucket),
					Key:    aws.String(p.key),
				})
				if err == nil {
					select {
					case hits <- hit{key: p.key, host: p.host}:
					case <-ctx.Done():
					}
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, k := range keys {
			for _, h := range l.hosts {
				select {
				case work <- probe{key: k, host: h}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(hits)
	}()

	result := make(map[string][]string, len(keys))
	for h := range hits {
		result[h.key] = append(result[h.key], h.host)
	}

	// Re-sort each key's hosts into configured host preference order; the
	// fan-out above completes hits out of order.
	order := make(map[string]int, len(l.hosts))
	for i, h := range l.hosts {
		order[h] = i
	}
	for k, hosts := range result {
		sortByOrder(hosts, order)
		result[k] = hosts
	}
	return result, ctx.Err()
}

func sortByOrder(hosts []string, order map[string]int) {
	for i := 1; i < len(hosts); i++ {
		for j := i; j > 0 && order[hosts[j-1]] > order[hosts[j]]; j-- {
			hosts[j-1], hosts[j] = hosts[j], hosts[j-1]
		}
	}
}
