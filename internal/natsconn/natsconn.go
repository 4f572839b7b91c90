// Package natsconn opens NATS connections and binds the JetStream buckets the
// service persists to.
package natsconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

const (
	connectTimeout = 10 * time.Second
	reconnectWait  = 2 * time.Second
	maxReconnects  = -1
)

// Connect dials url and returns the connection with its JetStream context.
func Connect(url, name string, log *logger.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	natsConnection, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, disconnectErr error) {
			if disconnectErr != nil {
				log.Warn("Disconnected from NATS: %v", disconnectErr)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("Reconnected to NATS at %s", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return natsConnection, jetstreamContext, nil
}

// BindKeyValue binds to an existing key-value bucket or creates it.
func BindKeyValue(jetstreamContext nats.JetStreamContext, bucket, description string) (nats.KeyValue, error) {
	keyValue, err := jetstreamContext.KeyValue(bucket)
	if err == nil {
		return keyValue, nil
	}

	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to bind to key-value bucket '%s': %w", bucket, err)
	}

	keyValue, err = jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
		History:     1,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucket, err)
	}

	return keyValue, nil
}
