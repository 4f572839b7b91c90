// Package mongodb connects to the MongoDB deployment that can back the asset
// registry and the job store.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	maxPoolSize            = 20
	minPoolSize            = 1
	maxConnIdleTime        = 30 * time.Minute
	serverSelectionTimeout = 5 * time.Second
	connectTimeout         = 10 * time.Second
)

// Client wraps the MongoDB client and the service database.
type Client struct {
	*mongo.Client

	Database *mongo.Database
}

// Connect dials uri, verifies the connection with a ping and selects database.
func Connect(ctx context.Context, uri, database string) (*Client, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(maxPoolSize).
		SetMinPoolSize(minPoolSize).
		SetMaxConnIdleTime(maxConnIdleTime).
		SetServerSelectionTimeout(serverSelectionTimeout).
		SetConnectTimeout(connectTimeout)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	err = client.Ping(connectCtx, nil)
	if err != nil {
		_ = client.Disconnect(ctx)

		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		Client:   client,
		Database: client.Database(database),
	}, nil
}

// Close disconnects from the deployment.
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	if err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}

	return nil
}
