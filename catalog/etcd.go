// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	recordPrefix = "/chorusmq/queues/"

	// updateRetries bounds optimistic read-modify-write attempts before the
	// caller sees ErrConflict.
	updateRetries = 8
)

// EtcdCatalog stores queue records in etcd. Each record lives under a single
// key; updates compare the record's mod revision so concurrent writers are
// serialized by the store.
type EtcdCatalog struct {
	client *clientv3.Client
	logger *slog.Logger
}

// EtcdConfig holds etcd client configuration for the catalog.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// NewEtcdCatalog connects to etcd and returns a catalog backed by it.
func NewEtcdCatalog(cfg EtcdConfig, logger *slog.Logger) (*EtcdCatalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &EtcdCatalog{client: client, logger: logger}, nil
}

// Close releases the underlying etcd client.
func (c *EtcdCatalog) Close() error {
	return c.client.Close()
}

func recordKey(vhost, name string) string {
	return recordPrefix + vhost + "/" + name
}

// Lookup returns the record for a vhost-scoped queue name.
func (c *EtcdCatalog) Lookup(ctx context.Context, vhost, name string) (*QueueRecord, error) {
	resp, err := c.client.Get(ctx, recordKey(vhost, name))
	if err != nil {
		return nil, fmt.Errorf("catalog get failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var record QueueRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode queue record: %w", err)
	}

	return &record, nil
}

// Insert stores a new record, failing if the key already exists.
func (c *EtcdCatalog) Insert(ctx context.Context, record *QueueRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode queue record: %w", err)
	}

	key := recordKey(record.VHost, record.Name)
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("catalog insert failed: %w", err)
	}
	if !resp.Succeeded {
		return ErrAlreadyExists
	}

	return nil
}

// Update applies fn under an optimistic transaction keyed on mod revision.
func (c *EtcdCatalog) Update(ctx context.Context, vhost, name string, fn func(*QueueRecord) error) (*QueueRecord, error) {
	key := recordKey(vhost, name)

	for attempt := 0; attempt < updateRetries; attempt++ {
		resp, err := c.client.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("catalog get failed: %w", err)
		}
		if len(resp.Kvs) == 0 {
			return nil, ErrNotFound
		}

		var record QueueRecord
		if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
			return nil, fmt.Errorf("failed to decode queue record: %w", err)
		}
		modRev := resp.Kvs[0].ModRevision

		if err := fn(&record); err != nil {
			return nil, err
		}

		data, err := json.Marshal(&record)
		if err != nil {
			return nil, fmt.Errorf("failed to encode queue record: %w", err)
		}

		txnResp, err := c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return nil, fmt.Errorf("catalog update failed: %w", err)
		}
		if txnResp.Succeeded {
			return &record, nil
		}

		c.logger.Debug("catalog update raced, retrying",
			slog.String("vhost", vhost),
			slog.String("queue", name),
			slog.Int("attempt", attempt+1))
	}

	return nil, ErrConflict
}

// Delete removes the record. Missing records are not an error.
func (c *EtcdCatalog) Delete(ctx context.Context, vhost, name string) error {
	if _, err := c.client.Delete(ctx, recordKey(vhost, name)); err != nil {
		return fmt.Errorf("catalog delete failed: %w", err)
	}
	return nil
}

// ListByNode returns all records whose member list contains node.
func (c *EtcdCatalog) ListByNode(ctx context.Context, node string) ([]*QueueRecord, error) {
	resp, err := c.client.Get(ctx, recordPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("catalog list failed: %w", err)
	}

	var records []*QueueRecord
	for _, kv := range resp.Kvs {
		if !strings.HasPrefix(string(kv.Key), recordPrefix) {
			continue
		}
		var record QueueRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			c.logger.Warn("skipping undecodable queue record",
				slog.String("key", string(kv.Key)),
				slog.String("error", err.Error()))
			continue
		}
		if record.HasMember(node) {
			records = append(records, &record)
		}
	}

	return records, nil
}
